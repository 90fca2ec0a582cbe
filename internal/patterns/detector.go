// Package patterns scans recent activity for threshold-crossing usage
// patterns and raises de-duplicated notifications. The detector holds no
// state of its own between calls; previously created notifications in the
// store are the only memory it consults.
package patterns

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ruletrace/ruletrace/internal/config"
	"github.com/ruletrace/ruletrace/internal/storage"
)

// Detector evaluates the three detection rules against the event store.
type Detector struct {
	store  *storage.Store
	cfg    config.NotificationConfig
	logger *slog.Logger
}

// New creates a Detector using cfg for per-call defaults.
func New(store *storage.Store, cfg config.NotificationConfig) *Detector {
	return &Detector{store: store, cfg: cfg, logger: slog.Default()}
}

// Options overrides the configured defaults for one detection call.
// Zero Threshold/WindowHours fall back to the configured values. Create
// controls whether findings are persisted as notifications; persistence also
// requires notifications to be enabled in config.
type Options struct {
	Threshold   int
	WindowHours int
	Create      bool
}

func (d *Detector) resolve(opts Options) (threshold, windowHours int) {
	threshold = opts.Threshold
	if threshold <= 0 {
		threshold = d.cfg.Threshold
	}
	windowHours = opts.WindowHours
	if windowHours <= 0 {
		windowHours = d.cfg.WindowHours
	}
	return threshold, windowHours
}

// RulePattern is a frequent-rule finding.
type RulePattern struct {
	Rule       string  `json:"rule"`
	Count      int     `json:"count"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// ComponentPattern is a frequent-component finding.
type ComponentPattern struct {
	Component  string  `json:"component"`
	Rule       string  `json:"rule"`
	Count      int     `json:"count"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// CoOccurrencePattern is a rule co-occurrence finding. RuleA sorts before
// RuleB; the pair is unordered.
type CoOccurrencePattern struct {
	RuleA      string  `json:"rule_a"`
	RuleB      string  `json:"rule_b"`
	Count      int     `json:"count"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// Detections bundles the results of one DetectAll run.
type Detections struct {
	FrequentRules      []RulePattern         `json:"frequent_rules"`
	FrequentComponents []ComponentPattern    `json:"frequent_components"`
	RuleCoOccurrences  []CoOccurrencePattern `json:"rule_co_occurrences"`
}

// DetectFrequentRules finds rules executed at least threshold times within
// the window that have not already been notified. Findings at 2x the
// threshold are high priority; confidence is fixed at 0.9.
func (d *Detector) DetectFrequentRules(opts Options) ([]RulePattern, error) {
	threshold, windowHours := d.resolve(opts)
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	rows, err := d.store.RuleUsageInRange(since, time.Now().UTC(), "")
	if err != nil {
		return nil, fmt.Errorf("counting rule executions: %w", err)
	}

	findings := []RulePattern{}
	var batch []storage.Notification
	for _, row := range rows {
		if row.Executions < threshold {
			continue
		}
		exists, err := d.store.NotificationExists(storage.PatternFrequentRule, row.RuleName, since)
		if err != nil {
			return nil, fmt.Errorf("checking notification history: %w", err)
		}
		if exists {
			continue
		}

		priority := storage.PriorityLow
		if row.Executions >= 2*threshold {
			priority = storage.PriorityHigh
		}
		p := RulePattern{
			Rule:       row.RuleName,
			Count:      row.Executions,
			Priority:   priority,
			Confidence: 0.9,
		}
		findings = append(findings, p)
		batch = append(batch, storage.Notification{
			ID:          uuid.New().String(),
			PatternType: storage.PatternFrequentRule,
			Subject:     row.RuleName,
			Title:       fmt.Sprintf("Frequent rule usage: %s", row.RuleName),
			Message:     fmt.Sprintf("Rule %q was executed %d times in the last %d hours.", row.RuleName, row.Executions, windowHours),
			Priority:    priority,
			Confidence:  0.9,
			CreatedAt:   time.Now().UTC(),
		})
	}

	if err := d.persist(opts, batch); err != nil {
		return findings, err
	}
	return findings, nil
}

// DetectFrequentComponents mirrors DetectFrequentRules, grouped by
// (component, owning rule).
func (d *Detector) DetectFrequentComponents(opts Options) ([]ComponentPattern, error) {
	threshold, windowHours := d.resolve(opts)
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	rows, err := d.store.ComponentUsageInRange(since, time.Now().UTC(), "", "")
	if err != nil {
		return nil, fmt.Errorf("counting component executions: %w", err)
	}

	findings := []ComponentPattern{}
	var batch []storage.Notification
	for _, row := range rows {
		if row.Executions < threshold {
			continue
		}
		subject := row.RuleName + "/" + row.ComponentName
		exists, err := d.store.NotificationExists(storage.PatternFrequentComponent, subject, since)
		if err != nil {
			return nil, fmt.Errorf("checking notification history: %w", err)
		}
		if exists {
			continue
		}

		priority := storage.PriorityLow
		if row.Executions >= 2*threshold {
			priority = storage.PriorityHigh
		}
		p := ComponentPattern{
			Component:  row.ComponentName,
			Rule:       row.RuleName,
			Count:      row.Executions,
			Priority:   priority,
			Confidence: 0.9,
		}
		findings = append(findings, p)
		batch = append(batch, storage.Notification{
			ID:          uuid.New().String(),
			PatternType: storage.PatternFrequentComponent,
			Subject:     subject,
			Title:       fmt.Sprintf("Frequent component usage: %s (%s)", row.ComponentName, row.RuleName),
			Message:     fmt.Sprintf("Component %q of rule %q was executed %d times in the last %d hours.", row.ComponentName, row.RuleName, row.Executions, windowHours),
			Priority:    priority,
			Confidence:  0.9,
			CreatedAt:   time.Now().UTC(),
		})
	}

	if err := d.persist(opts, batch); err != nil {
		return findings, err
	}
	return findings, nil
}

// DetectRuleCoOccurrences counts unordered pairs of distinct rules executed
// in the same context window. A pair is a candidate once its count reaches
// max(2, threshold-1) — the off-by-one against the frequency threshold is
// inherited behavior kept pending product review. Priority is fixed low,
// confidence 0.8.
func (d *Detector) DetectRuleCoOccurrences(opts Options) ([]CoOccurrencePattern, error) {
	threshold, windowHours := d.resolve(opts)
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	byWindow, err := d.store.DistinctRulesByWindow(since)
	if err != nil {
		return nil, fmt.Errorf("grouping rules by window: %w", err)
	}

	// Pairs are canonicalized by sorting the two names so (A,B) and (B,A)
	// increment the same counter.
	pairCounts := make(map[[2]string]int)
	for _, rules := range byWindow {
		if len(rules) < 2 {
			continue
		}
		sort.Strings(rules)
		for i := 0; i < len(rules); i++ {
			for j := i + 1; j < len(rules); j++ {
				pairCounts[[2]string{rules[i], rules[j]}]++
			}
		}
	}

	minCount := threshold - 1
	if minCount < 2 {
		minCount = 2
	}

	var candidates []CoOccurrencePattern
	for pair, count := range pairCounts {
		if count < minCount {
			continue
		}
		candidates = append(candidates, CoOccurrencePattern{
			RuleA:      pair[0],
			RuleB:      pair[1],
			Count:      count,
			Priority:   storage.PriorityLow,
			Confidence: 0.8,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Count != candidates[j].Count {
			return candidates[i].Count > candidates[j].Count
		}
		if candidates[i].RuleA != candidates[j].RuleA {
			return candidates[i].RuleA < candidates[j].RuleA
		}
		return candidates[i].RuleB < candidates[j].RuleB
	})

	findings := []CoOccurrencePattern{}
	var batch []storage.Notification
	for _, c := range candidates {
		subject := c.RuleA + " + " + c.RuleB
		exists, err := d.store.NotificationExists(storage.PatternRuleCoOccurrence, subject, since)
		if err != nil {
			return nil, fmt.Errorf("checking notification history: %w", err)
		}
		if exists {
			continue
		}
		findings = append(findings, c)
		batch = append(batch, storage.Notification{
			ID:          uuid.New().String(),
			PatternType: storage.PatternRuleCoOccurrence,
			Subject:     subject,
			Title:       fmt.Sprintf("Rules often used together: %s + %s", c.RuleA, c.RuleB),
			Message:     fmt.Sprintf("Rules %q and %q appeared together in %d sessions in the last %d hours.", c.RuleA, c.RuleB, c.Count, windowHours),
			Priority:    storage.PriorityLow,
			Confidence:  0.8,
			CreatedAt:   time.Now().UTC(),
		})
	}

	if err := d.persist(opts, batch); err != nil {
		return findings, err
	}
	return findings, nil
}

// DetectAll runs the three detectors and bundles their findings. On error
// the bundle carries whatever was detected before the failure, so a commit
// failure does not discard computed findings.
func (d *Detector) DetectAll(opts Options) (*Detections, error) {
	bundle := &Detections{
		FrequentRules:      []RulePattern{},
		FrequentComponents: []ComponentPattern{},
		RuleCoOccurrences:  []CoOccurrencePattern{},
	}

	rules, err := d.DetectFrequentRules(opts)
	if rules != nil {
		bundle.FrequentRules = rules
	}
	if err != nil {
		return bundle, err
	}

	components, err := d.DetectFrequentComponents(opts)
	if components != nil {
		bundle.FrequentComponents = components
	}
	if err != nil {
		return bundle, err
	}

	pairs, err := d.DetectRuleCoOccurrences(opts)
	if pairs != nil {
		bundle.RuleCoOccurrences = pairs
	}
	return bundle, err
}

// persist commits the batch when creation is requested and notifications are
// enabled. A commit failure is logged and returned; the caller keeps the
// in-memory findings either way.
func (d *Detector) persist(opts Options, batch []storage.Notification) error {
	if !opts.Create || !d.cfg.Enabled || len(batch) == 0 {
		return nil
	}
	if err := d.store.InsertNotifications(batch); err != nil {
		d.logger.Error("persisting notifications failed", "count", len(batch), "error", err)
		return fmt.Errorf("persisting notifications: %w", err)
	}
	return nil
}

// ListUnread returns unread notifications, oldest first.
func (d *Detector) ListUnread() ([]storage.Notification, error) {
	notifications, err := d.store.ListUnreadNotifications()
	if err != nil {
		return nil, fmt.Errorf("listing unread notifications: %w", err)
	}
	if notifications == nil {
		notifications = []storage.Notification{}
	}
	return notifications, nil
}

// MarkRead flips the read flag. Marking twice is a no-op success; an unknown
// id returns storage.ErrNotFound.
func (d *Detector) MarkRead(id string) error {
	return d.store.MarkNotificationRead(id)
}
