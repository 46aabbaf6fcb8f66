// Package events provides the durable exactly-once event log and the
// evening answer edit window on top of the store.
package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Log records which scheduled events have been delivered to each
// participant on each local day. Recording is the dispatch gate: only the
// caller that wins the first insert sends the message, so retried ticks
// and concurrent workers cannot double-send.
type Log struct {
	store store.Store
}

// NewLog creates an event log backed by the given store.
func NewLog(s store.Store) *Log {
	return &Log{store: s}
}

// Record marks the event as sent for the participant's local day. It
// returns true only for the first writer; subsequent calls for the same
// (participant, date, kind) triple return false.
func (l *Log) Record(participantID, localDate string, kind models.EventKind) (bool, error) {
	first, err := l.store.RecordSentEvent(participantID, localDate, kind)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", kind, err)
	}
	if first {
		slog.Debug("event recorded", "participantID", participantID, "date", localDate, "kind", kind)
	}
	return first, nil
}

// Fired reports whether the event was already recorded for the
// participant's local day.
func (l *Log) Fired(participantID, localDate string, kind models.EventKind) (bool, error) {
	fired, err := l.store.HasSentEvent(participantID, localDate, kind)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", kind, err)
	}
	return fired, nil
}

// AcceptEveningAnswer decides whether an evening status answer may be
// applied at the given instant. The first answer for a local day always
// wins; later answers are accepted only while the edit window since the
// first answer is still open, in which case the newest value overwrites
// the old one.
func (l *Log) AcceptEveningAnswer(participantID, localDate string, now time.Time) (bool, error) {
	first, created, err := l.store.AcquireEveningAnswer(participantID, localDate, now)
	if err != nil {
		return false, fmt.Errorf("acquire evening answer: %w", err)
	}
	if created {
		return true, nil
	}
	open := !now.After(first.Add(models.EveningEditWindow))
	if !open {
		slog.Debug("evening answer outside edit window", "participantID", participantID, "date", localDate, "firstAnsweredAt", first)
	}
	return open, nil
}
