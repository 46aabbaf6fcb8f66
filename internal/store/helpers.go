package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// unwrapsToNoRows reports whether err is sql.ErrNoRows, possibly wrapped.
func unwrapsToNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// nullableInt scans a SUM() that may be NULL into an int, defaulting to zero.
type nullableInt struct {
	dest *int
}

func (n *nullableInt) Scan(src interface{}) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.dest = int(v.Int64)
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanParticipant scans a participant row in canonical column order.
func scanParticipant(row rowScanner) (models.Participant, error) {
	var p models.Participant
	err := row.Scan(
		&p.ID, &p.Timezone, &p.MorningTime, &p.EveningTime,
		&p.MorningEffectiveFrom, &p.EveningEffectiveFrom,
		&p.Paused, &p.OnboardingComplete,
		&p.StartDate, &p.ReflectionText, &p.ReflectionSkipped,
	)
	if err != nil {
		return p, fmt.Errorf("scan participant failed: %w", err)
	}
	return p, nil
}

// scanDayOutcome scans a day row in canonical column order.
func scanDayOutcome(row rowScanner) (models.DayOutcome, error) {
	var d models.DayOutcome
	var outcome string
	err := row.Scan(&d.ParticipantID, &d.LocalDate, &d.DayNumber, &outcome)
	if err != nil {
		return d, fmt.Errorf("scan day outcome failed: %w", err)
	}
	d.Outcome = models.Outcome(outcome)
	return d, nil
}

// scanTimeChange scans a pending time change row.
func scanTimeChange(row rowScanner) (models.PendingTimeChange, error) {
	var c models.PendingTimeChange
	var kind string
	err := row.Scan(&c.ParticipantID, &kind, &c.NewTime, &c.EffectiveFrom)
	if err != nil {
		return c, fmt.Errorf("scan time change failed: %w", err)
	}
	c.Kind = models.ScheduleKind(kind)
	return c, nil
}

// scanFlowState scans a flow state row.
func scanFlowState(row rowScanner) (models.FlowState, error) {
	var st models.FlowState
	var flowType, currentState string
	err := row.Scan(&st.ParticipantID, &flowType, &currentState, &st.Draft, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, fmt.Errorf("scan flow state failed: %w", err)
	}
	st.FlowType = models.FlowType(flowType)
	st.CurrentState = models.StateType(currentState)
	return st, nil
}

// participantColumns is the canonical column list matching the scan helpers.
const participantColumns = `id, timezone, morning_time, evening_time,
	morning_time_effective_from, evening_time_effective_from,
	paused, onboarding_complete, start_date, reflection_text, reflection_skipped`
