package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// Status messages go to stderr; stdout carries only machine-readable output.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func mark(color, sigil, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, sigil+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { mark(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { mark(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { mark(colorYellow, "⚠", format, args...) }

// printNote reports an empty result, dimmed rather than sigiled.
func printNote(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorDim, fmt.Sprintf(format, args...)))
}

// statusLabelWidth fits the longest status label ("Unread notifications").
const statusLabelWidth = 22

// printStatus renders one line of the status view with values in a single
// aligned column. The label is padded before coloring so ANSI escapes do not
// skew the width.
func printStatus(label string, format string, args ...any) {
	padded := fmt.Sprintf("%-*s", statusLabelWidth, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, padded), fmt.Sprintf(format, args...))
}
