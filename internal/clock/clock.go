// Package clock centralizes program calendar math and timezone-aware
// scheduling decisions. All dates are exchanged as YYYY-MM-DD strings so
// they compare lexicographically and survive storage round-trips without
// timezone drift.
package clock

import (
	"fmt"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Program calendar boundaries. The program runs a fixed window; days are
// numbered per participant starting from their first completed onboarding.
const (
	ProgramStartDate   = "2026-02-18"
	ProgramEndDate     = "2026-04-04"
	ProgramHalfwayDate = "2026-03-13"
	ProgramLengthDays  = 46

	// DateLayout is the canonical storage format for local dates.
	DateLayout = "2006-01-02"
)

// LoadLocation resolves an IANA timezone name, wrapping failures in
// models.ErrUnknownTimezone so callers can re-prompt instead of aborting.
func LoadLocation(tz string) (*time.Location, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTimezone, tz)
	}
	return loc, nil
}

// LocalNow converts an instant to the participant's wall clock.
func LocalNow(now time.Time, tz string) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return now.In(loc), nil
}

// LocalDate formats a local instant as a YYYY-MM-DD string.
func LocalDate(local time.Time) string {
	return local.Format(DateLayout)
}

// ParseHHMM parses a 24-hour HH:MM string into hour and minute components.
func ParseHHMM(value string) (hour, minute int, err error) {
	if err := models.ValidateHHMM(value); err != nil {
		return 0, 0, err
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", models.ErrInvalidTime, value)
	}
	return t.Hour(), t.Minute(), nil
}

// AtLocalTime returns the instant on local's calendar day at the given
// HH:MM wall time.
func AtLocalTime(local time.Time, hhmm string) (time.Time, error) {
	hour, minute, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location()), nil
}

// DueByNow reports whether the local wall clock has reached hhmm today.
// Comparison is at minute precision: a tick landing anywhere within the
// scheduled minute or later counts as due.
func DueByNow(local time.Time, hhmm string) (bool, error) {
	at, err := AtLocalTime(local, hhmm)
	if err != nil {
		return false, err
	}
	return !local.Before(at), nil
}

// ReminderDueByNow reports whether the evening reminder offset has elapsed
// since the participant's evening prompt time. An offset that would cross
// midnight is clamped to 23:59, so late evening schedules still get their
// reminder before the local date rolls over and stops being evaluated.
func ReminderDueByNow(local time.Time, eveningHHMM string) (bool, error) {
	at, err := AtLocalTime(local, eveningHHMM)
	if err != nil {
		return false, err
	}
	due := at.Add(models.EveningReminderDelay)
	if due.Day() != at.Day() {
		due = time.Date(at.Year(), at.Month(), at.Day(), 23, 59, 0, 0, at.Location())
	}
	return !local.Before(due), nil
}

// NoonPassed reports whether local time is at or past 12:00.
func NoonPassed(local time.Time) bool {
	return local.Hour() >= 12
}

// DaysLeft returns the number of whole days remaining from localDate until
// the program end date, clamped at zero. On the end date itself it returns
// zero.
func DaysLeft(localDate string) (int, error) {
	d, err := time.Parse(DateLayout, localDate)
	if err != nil {
		return 0, fmt.Errorf("parse local date %q: %w", localDate, err)
	}
	end, err := time.Parse(DateLayout, ProgramEndDate)
	if err != nil {
		return 0, fmt.Errorf("parse program end date: %w", err)
	}
	left := int(end.Sub(d).Hours() / 24)
	if left < 0 {
		left = 0
	}
	return left, nil
}

// NextDate returns the YYYY-MM-DD string one calendar day after localDate.
func NextDate(localDate string) (string, error) {
	d, err := time.Parse(DateLayout, localDate)
	if err != nil {
		return "", fmt.Errorf("parse local date %q: %w", localDate, err)
	}
	return d.AddDate(0, 0, 1).Format(DateLayout), nil
}

// PrevDate returns the YYYY-MM-DD string one calendar day before localDate.
func PrevDate(localDate string) (string, error) {
	d, err := time.Parse(DateLayout, localDate)
	if err != nil {
		return "", fmt.Errorf("parse local date %q: %w", localDate, err)
	}
	return d.AddDate(0, 0, -1).Format(DateLayout), nil
}

// InProgramWindow reports whether localDate falls inside the program run,
// inclusive of both boundary dates. Lexicographic comparison is valid for
// the canonical date format.
func InProgramWindow(localDate string) bool {
	return localDate >= ProgramStartDate && localDate <= ProgramEndDate
}

// IsLastDay reports whether localDate is the final program day.
func IsLastDay(localDate string) bool {
	return localDate == ProgramEndDate
}

// PresenceDue reports whether a midday presence message is due for the
// given day number: every fourth day, capped so the cadence stops before
// the final stretch.
func PresenceDue(dayNumber int) bool {
	return dayNumber > 0 && dayNumber%4 == 0 && dayNumber <= 44
}

// PresenceIndex maps a presence-due day number to its message index.
func PresenceIndex(dayNumber int) int {
	return dayNumber/4 - 1
}
