package store

import "time"

// allowedFrom lists, per target state, the states it may be entered from.
var allowedFrom = map[AlarmStatus][]AlarmStatus{
	AlarmAcknowledged: {AlarmRaised},
	AlarmCleared:      {AlarmRaised, AlarmAcknowledged},
	AlarmClosed:       {AlarmCleared},
}

// CanTransition reports whether an alarm in state from may move to state to.
func CanTransition(from, to AlarmStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ApplyTransition checks the precondition and stamps the alarm in place.
// Both store implementations route lifecycle writes on a single alarm
// through here.
func ApplyTransition(a *Alarm, t Transition) error {
	if !CanTransition(a.Status, t.To) {
		return &TransitionError{AlarmID: a.AlarmID, From: a.Status, To: t.To}
	}
	at := t.At.UTC()
	switch t.To {
	case AlarmAcknowledged:
		a.AcknowledgedAt = &at
		a.AcknowledgedBy = t.By
	case AlarmCleared:
		a.ClearedAt = &at
	case AlarmClosed:
		a.ClosedAt = &at
	}
	a.Status = t.To
	return nil
}

// RetentionCutoff returns the instant before which closed alarms may be purged.
func RetentionCutoff(now time.Time, retention time.Duration) time.Time {
	return now.Add(-retention)
}
