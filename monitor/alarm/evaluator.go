package alarm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/store"
)

// ErrUnknownComparator is returned for a rule operator outside > < >= <= == !=.
var ErrUnknownComparator = errors.New("unknown comparison operator")

// DecisionKind is what the lifecycle manager should do for one rule or trap.
type DecisionKind string

const (
	DecisionRaise     DecisionKind = "raise"
	DecisionNoOp      DecisionKind = "noop"
	DecisionAutoClear DecisionKind = "auto_clear"
)

// TrapEvent is an inbound trap as published on the trap channel.
type TrapEvent struct {
	DeviceID   int64     `json:"device_id,omitempty"`
	SourceIP   string    `json:"source_ip"`
	TrapType   string    `json:"trap_type"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"timestamp,omitempty"`
}

// Decision is the evaluator's verdict for one rule (or trap) and subject.
type Decision struct {
	Kind        DecisionKind
	Fingerprint string
	DeviceID    int64
	Severity    store.Severity
	Rule        *store.AlarmRule
	Metric      *store.Metric
	Trap        *TrapEvent
}

// NewAlarm builds the alarm a Raise decision creates.
func (d Decision) NewAlarm(now time.Time) *store.Alarm {
	a := &store.Alarm{
		AlarmID:  d.Fingerprint,
		DeviceID: d.DeviceID,
		Severity: d.Severity,
		Status:   store.AlarmRaised,
		RaisedAt: now,
	}
	switch {
	case d.Rule != nil:
		ruleID := d.Rule.ID
		a.RuleID = &ruleID
		a.Source = store.SourcePolling
		metricName, value := d.Rule.MetricName, 0.0
		if d.Metric != nil {
			metricName, value = d.Metric.Name, d.Metric.Value
		}
		a.Title = fmt.Sprintf("%s - %s", d.Rule.Name, metricName)
		a.Description = fmt.Sprintf("%s Current value: %s", d.Rule.Description, strconv.FormatFloat(value, 'f', -1, 64))
	case d.Trap != nil:
		a.TrapType = d.Trap.TrapType
		a.Source = store.SourceSNMPTrap
		a.Title = "SNMP Trap: " + d.Trap.TrapType
		a.Description = d.Trap.Message
		if a.Description == "" {
			a.Description = "SNMP trap received"
		}
	}
	return a
}

// Compare applies a rule comparator. Unknown operators evaluate to false with
// ErrUnknownComparator.
func Compare(op string, value, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case "<":
		return value < threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownComparator, op)
}

// ValidComparator reports whether op is supported.
func ValidComparator(op string) bool {
	_, err := Compare(op, 0, 0)
	return err == nil
}

// OpenAlarmFinder is the read the evaluator needs from the alarm store.
type OpenAlarmFinder interface {
	FindOpenByFingerprint(ctx context.Context, fingerprint string) (*store.Alarm, error)
}

// RuleSource provides alarm rule definitions.
type RuleSource interface {
	ListRules(ctx context.Context) ([]*store.AlarmRule, error)
}

// Evaluator turns metrics and traps into lifecycle decisions. Rules are
// indexed by metric name and swapped as a whole on Refresh.
type Evaluator struct {
	alarms OpenAlarmFinder
	logger *zap.Logger

	mu     sync.RWMutex
	byName map[string][]store.AlarmRule
}

func NewEvaluator(alarms OpenAlarmFinder, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		alarms: alarms,
		logger: logger,
		byName: make(map[string][]store.AlarmRule),
	}
}

// SetRules replaces the rule set. Disabled rules are dropped.
func (e *Evaluator) SetRules(rules []*store.AlarmRule) {
	byName := make(map[string][]store.AlarmRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		byName[r.MetricName] = append(byName[r.MetricName], *r)
	}
	e.mu.Lock()
	e.byName = byName
	e.mu.Unlock()
}

// Refresh reloads rules from src.
func (e *Evaluator) Refresh(ctx context.Context, src RuleSource) error {
	rules, err := src.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load alarm rules: %w", err)
	}
	e.SetRules(rules)
	return nil
}

// Evaluate returns one decision per enabled rule watching the metric's name.
func (e *Evaluator) Evaluate(ctx context.Context, m store.Metric) ([]Decision, error) {
	e.mu.RLock()
	rules := e.byName[m.Name]
	e.mu.RUnlock()

	var decisions []Decision
	for i := range rules {
		rule := rules[i]
		breached, err := Compare(rule.Comparator, m.Value, rule.Threshold)
		if err != nil {
			e.logger.Warn("skipping rule", zap.Int64("rule_id", rule.ID), zap.Error(err))
			continue
		}

		fp := RuleFingerprint(m.DeviceID, rule.ID)
		open, err := e.alarms.FindOpenByFingerprint(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %d: %w", rule.ID, err)
		}

		kind := DecisionNoOp
		switch {
		case breached && open == nil:
			kind = DecisionRaise
		case !breached && open != nil:
			kind = DecisionAutoClear
		}
		observability.AlarmDecisions.WithLabelValues(string(kind)).Inc()

		metric := m
		decisions = append(decisions, Decision{
			Kind:        kind,
			Fingerprint: fp,
			DeviceID:    m.DeviceID,
			Severity:    rule.Severity,
			Rule:        &rule,
			Metric:      &metric,
		})
	}
	return decisions, nil
}

// EvaluateTrap decides on a trap whose device is already resolved. Traps
// never auto-clear.
func (e *Evaluator) EvaluateTrap(ctx context.Context, trap TrapEvent) (Decision, error) {
	fp := TrapFingerprint(trap.DeviceID, trap.TrapType)
	open, err := e.alarms.FindOpenByFingerprint(ctx, fp)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate trap %s: %w", trap.TrapType, err)
	}
	kind := DecisionRaise
	if open != nil {
		kind = DecisionNoOp
	}
	observability.AlarmDecisions.WithLabelValues(string(kind)).Inc()

	t := trap
	return Decision{
		Kind:        kind,
		Fingerprint: fp,
		DeviceID:    trap.DeviceID,
		Severity:    TrapSeverity(trap.TrapType),
		Trap:        &t,
	}, nil
}
