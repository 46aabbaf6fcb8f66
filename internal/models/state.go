// Package models defines state management structures for CheckinPipe flows.
package models

import "time"

// FlowType represents a specific conversational flow.
type FlowType string

// StateType represents a specific state within a flow.
type StateType string

// Flow type constants.
const (
	FlowTypeOnboarding FlowType = "onboarding"
	FlowTypeTimeChange FlowType = "time_change"
	FlowTypeSimulation FlowType = "simulation"
)

// State constants for the onboarding flow.
const (
	StateStartGate         StateType = "START_GATE"
	StateReflectionInput   StateType = "REFLECTION_INPUT"
	StateReflectionConfirm StateType = "REFLECTION_CONFIRM"
	StateTimezoneSelect    StateType = "TIMEZONE_SELECT"
	StateTimezoneCustom    StateType = "TIMEZONE_CUSTOM"
	StateTimezoneConfirm   StateType = "TIMEZONE_CONFIRM"
	StateMorningTime       StateType = "MORNING_TIME"
	StateEveningTime       StateType = "EVENING_TIME"
)

// State constants for the time-change flow.
const (
	StateChangeTarget StateType = "CHANGE_TARGET"
	StateChangeValue  StateType = "CHANGE_VALUE"
)

// State constants for the simulation flow.
const (
	StateSimulationPick StateType = "SIM_PICK"
	StateSimulationRun  StateType = "SIM_RUN"
)

// FlowState represents the persisted position of a participant in a flow.
// Draft holds the flow's typed draft serialized as JSON; it is the only
// authority between invocations.
type FlowState struct {
	ParticipantID string    `json:"participant_id"`
	FlowType      FlowType  `json:"flow_type"`
	CurrentState  StateType `json:"current_state"`
	Draft         string    `json:"draft,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OnboardingDraft is the structured scratch data collected during onboarding.
// Empty string means "not yet collected"; ReflectionSet distinguishes a saved
// reflection from a skipped one.
type OnboardingDraft struct {
	Timezone            string `json:"timezone,omitempty"`
	TimezoneLabel       string `json:"timezone_label,omitempty"`
	ReflectionCandidate string `json:"reflection_candidate,omitempty"`
	ReflectionText      string `json:"reflection_text,omitempty"`
	ReflectionSet       bool   `json:"reflection_set,omitempty"`
	ReflectionSkipped   bool   `json:"reflection_skipped,omitempty"`
	MorningTime         string `json:"morning_time,omitempty"`
}

// TimeChangeDraft carries the chosen schedule target between the two
// time-change steps.
type TimeChangeDraft struct {
	Target ScheduleKind `json:"target,omitempty"`
}

// SimulationWait is one tagged value naming the input the simulation loop
// expects next.
type SimulationWait string

const (
	SimulationWaitNone              SimulationWait = ""
	SimulationWaitReflection        SimulationWait = "reflection"
	SimulationWaitReflectionConfirm SimulationWait = "reflection_confirm"
	SimulationWaitTimezoneConfirm   SimulationWait = "timezone_confirm"
	SimulationWaitMorningTime       SimulationWait = "morning_time"
	SimulationWaitEveningTime       SimulationWait = "evening_time"
	SimulationWaitEveningStatus     SimulationWait = "evening_status"
	SimulationWaitDayNext           SimulationWait = "day_next"
)

// SimulationDraft is the persisted state of the self-test playback. It is
// fully self-contained so a restarted process resumes the simulated program
// exactly where it stopped, without touching real schedule state.
type SimulationDraft struct {
	Scenario            string         `json:"scenario"`
	StepIndex           int            `json:"step_index"`
	Waiting             SimulationWait `json:"waiting,omitempty"`
	TimezoneLabel       string         `json:"timezone_label,omitempty"`
	ReflectionCandidate string         `json:"reflection_candidate,omitempty"`
	ReflectionText      string         `json:"reflection_text,omitempty"`
	DayLoopActive       bool           `json:"day_loop_active,omitempty"`
	Day                 int            `json:"day,omitempty"`
	TotalDays           int            `json:"total_days,omitempty"`
	DaysLeftStart       int            `json:"days_left_start,omitempty"`
	PendingDayOutcome   Outcome        `json:"pending_day_outcome,omitempty"`
	PrevUnmarked        bool           `json:"prev_unmarked,omitempty"`
	Stats               OutcomeStats   `json:"stats"`
	FinalFollowupSent   bool           `json:"final_followup_sent,omitempty"`
}
