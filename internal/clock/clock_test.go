package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func mustLocal(t *testing.T, value, tz string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Fatalf("LoadLocation(%s) failed: %v", tz, err)
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	if err != nil {
		t.Fatalf("parse %q failed: %v", value, err)
	}
	return parsed
}

func TestLoadLocationUnknown(t *testing.T) {
	_, err := LoadLocation("Mars/Olympus_Mons")
	if !errors.Is(err, models.ErrUnknownTimezone) {
		t.Fatalf("expected ErrUnknownTimezone, got %v", err)
	}
}

func TestDueByNowMinutePrecision(t *testing.T) {
	cases := []struct {
		name  string
		local string
		hhmm  string
		want  bool
	}{
		{"minute before", "2026-02-20 07:59", "08:00", false},
		{"exact minute", "2026-02-20 08:00", "08:00", true},
		{"within minute", "2026-02-20 08:00", "08:00", true},
		{"minute after", "2026-02-20 08:01", "08:00", true},
		{"hours later", "2026-02-20 23:59", "08:00", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := mustLocal(t, tc.local, "Europe/Istanbul")
			due, err := DueByNow(local, tc.hhmm)
			if err != nil {
				t.Fatalf("DueByNow failed: %v", err)
			}
			if due != tc.want {
				t.Errorf("DueByNow(%s, %s) = %v, want %v", tc.local, tc.hhmm, due, tc.want)
			}
		})
	}
}

func TestDueByNowInvalidTime(t *testing.T) {
	local := mustLocal(t, "2026-02-20 08:00", "UTC")
	if _, err := DueByNow(local, "25:00"); !errors.Is(err, models.ErrInvalidTime) {
		t.Fatalf("expected ErrInvalidTime, got %v", err)
	}
}

func TestReminderDueByNow(t *testing.T) {
	cases := []struct {
		name  string
		local string
		want  bool
	}{
		{"at prompt time", "2026-02-20 21:00", false},
		{"just before offset", "2026-02-20 21:29", false},
		{"at offset", "2026-02-20 21:30", true},
		{"after offset", "2026-02-20 23:59", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := mustLocal(t, tc.local, "UTC")
			due, err := ReminderDueByNow(local, "21:00")
			if err != nil {
				t.Fatalf("ReminderDueByNow failed: %v", err)
			}
			if due != tc.want {
				t.Errorf("ReminderDueByNow(%s) = %v, want %v", tc.local, due, tc.want)
			}
		})
	}
}

func TestReminderLateEveningClampsToSameDay(t *testing.T) {
	// A 23:45 prompt would push the reminder to 00:15; the due time is
	// clamped to 23:59 so the reminder still lands on the prompt's day.
	cases := []struct {
		name  string
		local string
		want  bool
	}{
		{"just after prompt", "2026-02-20 23:46", false},
		{"before clamp", "2026-02-20 23:58", false},
		{"at clamp", "2026-02-20 23:59", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := mustLocal(t, tc.local, "UTC")
			due, err := ReminderDueByNow(local, "23:45")
			if err != nil {
				t.Fatalf("ReminderDueByNow failed: %v", err)
			}
			if due != tc.want {
				t.Errorf("ReminderDueByNow(%s, 23:45) = %v, want %v", tc.local, due, tc.want)
			}
		})
	}
}

func TestNoonPassed(t *testing.T) {
	if NoonPassed(mustLocal(t, "2026-02-20 11:59", "UTC")) {
		t.Error("11:59 reported as past noon")
	}
	if !NoonPassed(mustLocal(t, "2026-02-20 12:00", "UTC")) {
		t.Error("12:00 not reported as past noon")
	}
}

func TestDaysLeft(t *testing.T) {
	cases := []struct {
		date string
		want int
	}{
		{ProgramStartDate, 45},
		{"2026-04-03", 1},
		{ProgramEndDate, 0},
		{"2026-04-10", 0},
	}
	for _, tc := range cases {
		got, err := DaysLeft(tc.date)
		if err != nil {
			t.Fatalf("DaysLeft(%s) failed: %v", tc.date, err)
		}
		if got != tc.want {
			t.Errorf("DaysLeft(%s) = %d, want %d", tc.date, got, tc.want)
		}
	}
}

func TestNextAndPrevDate(t *testing.T) {
	next, err := NextDate("2026-02-28")
	if err != nil {
		t.Fatalf("NextDate failed: %v", err)
	}
	if next != "2026-03-01" {
		t.Errorf("NextDate(2026-02-28) = %s, want 2026-03-01", next)
	}
	prev, err := PrevDate("2026-03-01")
	if err != nil {
		t.Fatalf("PrevDate failed: %v", err)
	}
	if prev != "2026-02-28" {
		t.Errorf("PrevDate(2026-03-01) = %s, want 2026-02-28", prev)
	}
}

func TestInProgramWindow(t *testing.T) {
	cases := []struct {
		date string
		want bool
	}{
		{"2026-02-17", false},
		{ProgramStartDate, true},
		{"2026-03-15", true},
		{ProgramEndDate, true},
		{"2026-04-05", false},
	}
	for _, tc := range cases {
		if got := InProgramWindow(tc.date); got != tc.want {
			t.Errorf("InProgramWindow(%s) = %v, want %v", tc.date, got, tc.want)
		}
	}
}

func TestPresenceCadence(t *testing.T) {
	wantDue := map[int]bool{4: true, 8: true, 44: true}
	for day := 1; day <= ProgramLengthDays; day++ {
		want := day%4 == 0 && day <= 44
		if got := PresenceDue(day); got != want {
			t.Errorf("PresenceDue(%d) = %v, want %v", day, got, want)
		}
	}
	if PresenceDue(48) {
		t.Error("PresenceDue(48) should be false past the cadence cap")
	}
	for day := range wantDue {
		want := day/4 - 1
		if got := PresenceIndex(day); got != want {
			t.Errorf("PresenceIndex(%d) = %d, want %d", day, got, want)
		}
	}
}

func TestProgramBoundaryHelpers(t *testing.T) {
	if !IsLastDay(ProgramEndDate) || IsLastDay("2026-04-03") {
		t.Error("IsLastDay mismatch")
	}
}
