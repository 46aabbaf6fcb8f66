package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/events"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

func newTestScheduler(t *testing.T) (*store.InMemoryStore, *messaging.Recorder, *Scheduler, *content.Catalog) {
	t.Helper()
	s := store.NewInMemoryStore()
	rec := messaging.NewRecorder()
	catalog, err := content.Load()
	if err != nil {
		t.Fatalf("content.Load failed: %v", err)
	}
	sched := NewScheduler(s, events.NewLog(s), catalog, rec)
	return s, rec, sched, catalog
}

func saveActive(t *testing.T, s store.Store, p models.Participant) {
	t.Helper()
	p.OnboardingComplete = true
	if err := s.SaveParticipant(p); err != nil {
		t.Fatalf("SaveParticipant failed: %v", err)
	}
}

func utc(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatalf("parse %q failed: %v", value, err)
	}
	return parsed.UTC()
}

func TestTickIsIdempotent(t *testing.T) {
	s, rec, sched, _ := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-20",
	})

	// 22:00 local: morning, evening prompt and reminder are all due.
	now := utc(t, "2026-02-20 22:00")
	if err := sched.RunTickAt(context.Background(), now); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	first := len(rec.Sent())
	if first != 4 {
		for _, m := range rec.Sent() {
			t.Logf("sent: %q", m.Body)
		}
		t.Fatalf("first tick sent %d messages, want 4 (status, quote, prompt, reminder)", first)
	}

	// Replaying the same tick, or a later one on the same day, sends nothing.
	if err := sched.RunTickAt(context.Background(), now); err != nil {
		t.Fatalf("second RunTickAt failed: %v", err)
	}
	if err := sched.RunTickAt(context.Background(), now.Add(30*time.Minute)); err != nil {
		t.Fatalf("third RunTickAt failed: %v", err)
	}
	if got := len(rec.Sent()); got != first {
		t.Errorf("replayed ticks sent %d extra messages", got-first)
	}
}

func TestMorningMessageContent(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "Europe/Istanbul", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-18",
	})

	// Seed days 1-4; yesterday stays unmarked.
	date := "2026-02-18"
	for day := 1; day <= 4; day++ {
		if _, err := s.EnsureDay("p1", date, "2026-02-18"); err != nil {
			t.Fatalf("EnsureDay failed: %v", err)
		}
		if day < 4 {
			if err := s.SetDayOutcome("p1", date, models.OutcomeFull); err != nil {
				t.Fatalf("SetDayOutcome failed: %v", err)
			}
		}
		next, err := clock.NextDate(date)
		if err != nil {
			t.Fatalf("NextDate failed: %v", err)
		}
		date = next
	}

	// 05:01 UTC is 08:01 in Istanbul on 2026-02-22, day 5.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-22 05:01")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}

	sent := rec.Sent()
	if len(sent) != 2 {
		for _, m := range sent {
			t.Logf("sent: %q", m.Body)
		}
		t.Fatalf("sent %d messages, want morning status and quote", len(sent))
	}

	status := sent[0].Body
	if !strings.HasPrefix(status, catalog.Copy.Morning.YesterdayMissed) {
		t.Errorf("morning status missing unmarked-yesterday prefix: %q", status)
	}
	wantBody := content.Render(catalog.Copy.Morning.Base, map[string]string{
		"day_number": "5",
		"days_left":  "41",
	})
	if !strings.Contains(status, wantBody) {
		t.Errorf("morning status = %q, want it to contain %q", status, wantBody)
	}
	if strings.Contains(status, catalog.Copy.Morning.Halfway) {
		t.Error("halfway suffix should not appear before the midpoint")
	}

	wantQuote := content.Render(catalog.Copy.Morning.QuoteMessage, map[string]string{
		"quote": catalog.Quote(5),
	})
	if sent[1].Body != wantQuote {
		t.Errorf("quote message = %q, want %q", sent[1].Body, wantQuote)
	}
}

func TestMorningHalfwaySuffix(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: clock.ProgramHalfwayDate,
	})

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-03-13 09:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	sent := rec.Sent()
	if len(sent) == 0 {
		t.Fatal("no messages sent")
	}
	if !strings.Contains(sent[0].Body, catalog.Copy.Morning.Halfway) {
		t.Errorf("morning status on halfway date missing suffix: %q", sent[0].Body)
	}
}

func TestPresenceMessage(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-18",
	})

	// Seed days 1-3 so today becomes day 4.
	for _, d := range []string{"2026-02-18", "2026-02-19", "2026-02-20"} {
		if _, err := s.EnsureDay("p1", d, "2026-02-18"); err != nil {
			t.Fatalf("EnsureDay failed: %v", err)
		}
	}

	// Before noon: no presence note.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-21 11:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	for _, m := range rec.Sent() {
		if len(m.Options) == 1 && m.Options[0] == catalog.Button("thanks") {
			t.Fatalf("presence note sent before noon: %q", m.Body)
		}
	}
	rec.Reset()

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-21 12:30")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	sent := rec.Sent()
	if len(sent) != 1 {
		t.Fatalf("noon tick sent %d messages, want only the presence note", len(sent))
	}
	wantText, ok := catalog.Presence(4)
	if !ok {
		t.Fatal("catalog has no presence note for day 4")
	}
	if sent[0].Body != wantText {
		t.Errorf("presence note = %q, want %q", sent[0].Body, wantText)
	}
	if len(sent[0].Options) != 1 || sent[0].Options[0] != catalog.Button("thanks") {
		t.Errorf("presence options = %v", sent[0].Options)
	}
}

func TestReminderSkippedWhenAnswered(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-20",
	})

	// Evening prompt fires at 21:00; the participant answers before 21:30.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 21:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if err := s.SetDayOutcome("p1", "2026-02-20", models.OutcomeFull); err != nil {
		t.Fatalf("SetDayOutcome failed: %v", err)
	}
	rec.Reset()

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 21:35")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	for _, m := range rec.Sent() {
		if m.Body == catalog.Copy.Evening.Reminder {
			t.Errorf("reminder sent despite a recorded outcome")
		}
	}
}

func TestLateEveningReminderFiresBeforeMidnight(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "23:45",
		StartDate: "2026-02-20",
	})

	reminders := func() int {
		n := 0
		for _, m := range rec.Sent() {
			if m.Body == catalog.Copy.Evening.Reminder {
				n++
			}
		}
		return n
	}

	// The prompt fires at 23:45; its +30m offset would land past midnight,
	// so the reminder is due at 23:59 instead.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 23:46")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if got := reminders(); got != 0 {
		t.Fatalf("reminder sent %d times right after the prompt, want 0", got)
	}

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 23:59")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if got := reminders(); got != 1 {
		t.Fatalf("reminder sent %d times by end of day, want 1", got)
	}

	// Ticks on the next local date do not repeat it.
	for _, at := range []string{"2026-02-21 00:16", "2026-02-21 01:00", "2026-02-21 12:30"} {
		if err := sched.RunTickAt(context.Background(), utc(t, at)); err != nil {
			t.Fatalf("RunTickAt(%s) failed: %v", at, err)
		}
	}
	if got := reminders(); got != 1 {
		t.Errorf("reminder sent %d times after day rollover, want 1", got)
	}
}

func TestPendingTimeChangeAppliesTomorrow(t *testing.T) {
	s, rec, sched, _ := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-20",
	})
	if err := s.QueueTimeChange(models.PendingTimeChange{
		ParticipantID: "p1", Kind: models.ScheduleMorning, NewTime: "10:00", EffectiveFrom: "2026-02-21",
	}); err != nil {
		t.Fatalf("QueueTimeChange failed: %v", err)
	}

	// Today the old 08:00 time still applies.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 08:30")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if len(rec.Sent()) == 0 {
		t.Fatal("morning at the old time did not fire on the day before the change")
	}
	rec.Reset()

	// Tomorrow the change is applied at the first tick; 08:30 is now too early.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-21 08:30")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if len(rec.Sent()) != 0 {
		t.Errorf("morning fired at the old time after the change took effect: %+v", rec.Sent())
	}
	p, err := s.GetParticipant("p1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if p.MorningTime != "10:00" {
		t.Errorf("morning time = %s, want 10:00", p.MorningTime)
	}
	pending, _ := s.GetPendingTimeChange("p1", models.ScheduleMorning)
	if pending != nil {
		t.Error("applied change should be deleted")
	}

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-21 10:30")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if len(rec.Sent()) == 0 {
		t.Error("morning did not fire at the new time")
	}
}

func TestPausedParticipantSkipped(t *testing.T) {
	s, rec, sched, _ := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-20", Paused: true,
	})
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 22:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if len(rec.Sent()) != 0 {
		t.Errorf("paused participant received %d messages", len(rec.Sent()))
	}
}

func TestOutOfWindowSkipped(t *testing.T) {
	s, rec, sched, _ := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-18",
	})
	// After the program end date nothing fires.
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-04-05 09:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	if len(rec.Sent()) != 0 {
		t.Errorf("out-of-window tick sent %d messages", len(rec.Sent()))
	}
}

func TestFinalSummary(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-03-25", ReflectionText: "ship it",
	})

	// Seed some marked days before the last one.
	outcomes := []models.Outcome{models.OutcomeFull, models.OutcomeFull, models.OutcomePartial, models.OutcomeNone}
	date := "2026-03-25"
	for _, o := range outcomes {
		if _, err := s.EnsureDay("p1", date, "2026-03-25"); err != nil {
			t.Fatalf("EnsureDay failed: %v", err)
		}
		if err := s.SetDayOutcome("p1", date, o); err != nil {
			t.Fatalf("SetDayOutcome failed: %v", err)
		}
		next, err := clock.NextDate(date)
		if err != nil {
			t.Fatalf("NextDate failed: %v", err)
		}
		date = next
	}

	now := utc(t, "2026-04-04 09:00")
	if err := sched.RunTickAt(context.Background(), now); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	sent := rec.Sent()
	if len(sent) != 2 {
		for _, m := range sent {
			t.Logf("sent: %q", m.Body)
		}
		t.Fatalf("last-day tick sent %d messages, want morning last-day and final summary", len(sent))
	}
	if sent[0].Body != catalog.Copy.Morning.LastDay {
		t.Errorf("last-day morning = %q", sent[0].Body)
	}

	final := sent[1].Body
	wantStats := content.Render(catalog.Copy.Final.Stats, map[string]string{
		"total": "4", "full": "2", "partial": "1", "none": "1",
	})
	if !strings.Contains(final, wantStats) {
		t.Errorf("final summary = %q, want it to contain %q", final, wantStats)
	}
	if !strings.Contains(final, "ship it") {
		t.Error("final summary should include the saved reflection")
	}
	if !strings.Contains(final, catalog.Copy.Final.ReflectionInvite) {
		t.Error("final summary should invite editing the reflection")
	}

	// Replay: nothing more.
	if err := sched.RunTickAt(context.Background(), now.Add(time.Hour)); err != nil {
		t.Fatalf("replay RunTickAt failed: %v", err)
	}
	if got := len(rec.Sent()); got != 2 {
		t.Errorf("replayed last-day tick sent %d extra messages", got-2)
	}
}

func TestFinalSummarySkipsSkippedReflection(t *testing.T) {
	s, rec, sched, _ := newTestScheduler(t)
	saveActive(t, s, models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-04-01", ReflectionText: "ignored", ReflectionSkipped: true,
	})

	if err := sched.RunTickAt(context.Background(), utc(t, "2026-04-04 09:00")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	for _, m := range rec.Sent() {
		if strings.Contains(m.Body, "ignored") {
			t.Error("skipped reflection leaked into the final summary")
		}
	}
}

func TestCatchUpSendsOnlyConversationalMessages(t *testing.T) {
	s, rec, sched, catalog := newTestScheduler(t)
	p := models.Participant{
		ID: "p1", Timezone: "UTC", MorningTime: "08:00", EveningTime: "21:00",
		StartDate: "2026-02-20", OnboardingComplete: true,
	}
	saveActive(t, s, p)

	// Onboarding finished at 21:40 with everything already due today.
	if err := sched.CatchUp(context.Background(), p, utc(t, "2026-02-20 21:40")); err != nil {
		t.Fatalf("CatchUp failed: %v", err)
	}
	sent := rec.Sent()
	if len(sent) != 3 {
		for _, m := range sent {
			t.Logf("sent: %q", m.Body)
		}
		t.Fatalf("catch-up sent %d messages, want status, quote and evening prompt", len(sent))
	}
	for _, m := range sent {
		if m.Body == catalog.Copy.Evening.Reminder {
			t.Error("catch-up must not replay the reminder")
		}
	}

	// The following tick does not repeat what catch-up already delivered.
	rec.Reset()
	if err := sched.RunTickAt(context.Background(), utc(t, "2026-02-20 21:41")); err != nil {
		t.Fatalf("RunTickAt failed: %v", err)
	}
	for _, m := range rec.Sent() {
		if m.Body != catalog.Copy.Evening.Reminder {
			t.Errorf("tick after catch-up re-sent %q", m.Body)
		}
	}
}
