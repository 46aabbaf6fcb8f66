package events

import (
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

func TestRecordFirstWriterWins(t *testing.T) {
	log := NewLog(store.NewInMemoryStore())

	first, err := log.Record("p1", "2026-02-20", models.EventMorningStatus)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !first {
		t.Fatal("first Record should win the insert")
	}

	second, err := log.Record("p1", "2026-02-20", models.EventMorningStatus)
	if err != nil {
		t.Fatalf("second Record failed: %v", err)
	}
	if second {
		t.Error("second Record for the same triple should return false")
	}

	// Different kind, date, or participant are independent slots.
	otherKind, err := log.Record("p1", "2026-02-20", models.EventEveningPrompt)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !otherKind {
		t.Error("different kind should record independently")
	}
	otherDay, err := log.Record("p1", "2026-02-21", models.EventMorningStatus)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !otherDay {
		t.Error("different date should record independently")
	}
}

func TestFired(t *testing.T) {
	log := NewLog(store.NewInMemoryStore())

	fired, err := log.Fired("p1", "2026-02-20", models.EventEveningReminder)
	if err != nil {
		t.Fatalf("Fired failed: %v", err)
	}
	if fired {
		t.Error("unrecorded event reported as fired")
	}

	if _, err := log.Record("p1", "2026-02-20", models.EventEveningReminder); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	fired, err = log.Fired("p1", "2026-02-20", models.EventEveningReminder)
	if err != nil {
		t.Fatalf("Fired failed: %v", err)
	}
	if !fired {
		t.Error("recorded event not reported as fired")
	}
}

func TestAcceptEveningAnswerEditWindow(t *testing.T) {
	log := NewLog(store.NewInMemoryStore())
	base := time.Date(2026, 2, 20, 21, 5, 0, 0, time.UTC)

	ok, err := log.AcceptEveningAnswer("p1", "2026-02-20", base)
	if err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	if !ok {
		t.Fatal("first answer should always be accepted")
	}

	ok, err = log.AcceptEveningAnswer("p1", "2026-02-20", base.Add(9*time.Minute))
	if err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	if !ok {
		t.Error("edit inside the window should be accepted")
	}

	ok, err = log.AcceptEveningAnswer("p1", "2026-02-20", base.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	if ok {
		t.Error("edit after the window closed should be rejected")
	}

	// The window is anchored to the first answer, not the latest edit.
	ok, err = log.AcceptEveningAnswer("p1", "2026-02-20", base.Add(models.EveningEditWindow))
	if err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	if !ok {
		t.Error("edit at exactly the window boundary should be accepted")
	}
}

func TestAcceptEveningAnswerPerDay(t *testing.T) {
	log := NewLog(store.NewInMemoryStore())
	base := time.Date(2026, 2, 20, 21, 5, 0, 0, time.UTC)

	if _, err := log.AcceptEveningAnswer("p1", "2026-02-20", base); err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	// A new local day opens a fresh window regardless of yesterday.
	ok, err := log.AcceptEveningAnswer("p1", "2026-02-21", base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("AcceptEveningAnswer failed: %v", err)
	}
	if !ok {
		t.Error("answer on a new day should open its own window")
	}
}
