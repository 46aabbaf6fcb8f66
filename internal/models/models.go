// Package models defines the core data structures for CheckinPipe.
//
// It includes the participant record, daily outcome rows, sent-event kinds and
// the pending schedule change queue, which are shared across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// Outcome is a participant's recorded result for one local calendar day.
type Outcome string

const (
	// OutcomeUnset means no answer was recorded for the day yet.
	OutcomeUnset Outcome = ""
	// OutcomeFull means the participant kept the commitment fully.
	OutcomeFull Outcome = "full"
	// OutcomePartial means the commitment was kept partially.
	OutcomePartial Outcome = "partial"
	// OutcomeNone means the commitment was not kept.
	OutcomeNone Outcome = "none"
)

// IsValidOutcome reports whether o is a recordable outcome value.
func IsValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeFull, OutcomePartial, OutcomeNone:
		return true
	default:
		return false
	}
}

// EventKind identifies one time-gated message type in the sent-event log.
type EventKind string

const (
	EventMorningStatus   EventKind = "morning_status"
	EventMorningQuote    EventKind = "morning_quote"
	EventMiddayPresence  EventKind = "midday_presence"
	EventEveningPrompt   EventKind = "evening_prompt"
	EventEveningReminder EventKind = "evening_reminder"
	EventFinalSummary    EventKind = "final_summary"
	// EventFinalFollowup marks the closing follow-up after the final summary,
	// keyed to the program end date.
	EventFinalFollowup EventKind = "final_followup"
)

// ScheduleKind selects which of the two daily send times a change targets.
type ScheduleKind string

const (
	ScheduleMorning ScheduleKind = "morning"
	ScheduleEvening ScheduleKind = "evening"
)

// IsValidScheduleKind reports whether k names a changeable schedule.
func IsValidScheduleKind(k ScheduleKind) bool {
	return k == ScheduleMorning || k == ScheduleEvening
}

// Validation constants for participant input.
const (
	// MaxReflectionLength defines the maximum allowed length for the free-text
	// reflection collected during onboarding, in characters.
	MaxReflectionLength = 500
	// EveningEditWindow is how long after the first accepted evening answer an
	// edit is still accepted.
	EveningEditWindow = 10 * time.Minute
	// EveningReminderDelay is how long after the evening prompt time the
	// reminder fires when no outcome was recorded.
	EveningReminderDelay = 30 * time.Minute
)

// Error variables for better error handling and testability
var (
	ErrInvalidTime          = errors.New("time must be HH:MM with hour 00-23 and minute 00-59")
	ErrReflectionTooLong    = errors.New("reflection exceeds maximum length")
	ErrUnknownTimezone      = errors.New("unknown time zone selection")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrInvalidOutcome       = errors.New("invalid outcome value")
	ErrInvalidScheduleKind  = errors.New("schedule kind must be morning or evening")
	ErrMissingTransportAuth = errors.New("transport credentials are required")
)

var hhmmRegex = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// ValidateHHMM checks a wall-clock time value against the HH:MM grammar.
func ValidateHHMM(value string) error {
	if !hhmmRegex.MatchString(value) {
		return ErrInvalidTime
	}
	return nil
}

// ValidateReflection checks the free-text reflection against the length
// cap. Length is counted in characters, not bytes.
func ValidateReflection(text string) error {
	if len([]rune(text)) > MaxReflectionLength {
		return ErrReflectionTooLong
	}
	return nil
}

// Participant is the durable record for one enrolled person. Time-of-day
// fields are HH:MM strings in the participant's own zone; date fields are
// YYYY-MM-DD local calendar dates.
type Participant struct {
	ID                   string `json:"id"`
	Timezone             string `json:"timezone,omitempty"`
	MorningTime          string `json:"morning_time,omitempty"`
	EveningTime          string `json:"evening_time,omitempty"`
	MorningEffectiveFrom string `json:"morning_time_effective_from,omitempty"`
	EveningEffectiveFrom string `json:"evening_time_effective_from,omitempty"`
	Paused               bool   `json:"paused"`
	OnboardingComplete   bool   `json:"onboarding_complete"`
	StartDate            string `json:"start_date,omitempty"`
	ReflectionText       string `json:"reflection_text,omitempty"`
	ReflectionSkipped    bool   `json:"reflection_skipped"`
}

// DayOutcome is one participant-local calendar day. DayNumber is assigned on
// first creation and advances only through use, independent of calendar gaps.
type DayOutcome struct {
	ParticipantID string  `json:"participant_id"`
	LocalDate     string  `json:"local_date"`
	DayNumber     int     `json:"day_number"`
	Outcome       Outcome `json:"outcome"`
}

// PendingTimeChange is a deferred schedule change, applied at the start of the
// first tick on or after its effective date. At most one exists per
// (participant, schedule kind).
type PendingTimeChange struct {
	ParticipantID string       `json:"participant_id"`
	Kind          ScheduleKind `json:"kind"`
	NewTime       string       `json:"new_time"`
	EffectiveFrom string       `json:"effective_from"`
}

// OutcomeStats aggregates recorded outcomes across a participant's days.
type OutcomeStats struct {
	Total   int `json:"total"`
	Full    int `json:"full"`
	Partial int `json:"partial"`
	None    int `json:"none"`
}

// MarksBucket is one row of the admin histogram: how many participants have
// exactly MarksCount recorded outcomes.
type MarksBucket struct {
	MarksCount int `json:"marks_count"`
	UsersCount int `json:"users_count"`
}

// AdminStats is the payload returned by the privileged stats command.
type AdminStats struct {
	TotalParticipants  int           `json:"total_participants"`
	OnboardingComplete int           `json:"onboarding_complete"`
	Paused             int           `json:"paused"`
	Outcomes           OutcomeStats  `json:"outcomes"`
	MarksDistribution  []MarksBucket `json:"marks_distribution"`
}

// NudgeResult summarizes a broadcast to onboarding-incomplete participants.
type NudgeResult struct {
	Targets int `json:"targets"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// InboundMessage is one participant action delivered by the transport: either
// free text or a structured callback token.
type InboundMessage struct {
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
	Text          string `json:"text,omitempty"`
	Callback      string `json:"callback,omitempty"`
	Time          int64  `json:"time"`
}

// APIStatus enumerates the status values used in API responses.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
