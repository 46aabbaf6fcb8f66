// Package store provides storage backends for CheckinPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) CreateParticipant(id string) error {
	_, err := s.db.Exec(`INSERT INTO participants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		slog.Error("PostgresStore CreateParticipant failed", "error", err, "participantID", id)
		return fmt.Errorf("create participant %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			timezone = excluded.timezone,
			morning_time = excluded.morning_time,
			evening_time = excluded.evening_time,
			morning_time_effective_from = excluded.morning_time_effective_from,
			evening_time_effective_from = excluded.evening_time_effective_from,
			paused = excluded.paused,
			onboarding_complete = excluded.onboarding_complete,
			start_date = excluded.start_date,
			reflection_text = excluded.reflection_text,
			reflection_skipped = excluded.reflection_skipped`,
		p.ID, p.Timezone, p.MorningTime, p.EveningTime,
		p.MorningEffectiveFrom, p.EveningEffectiveFrom,
		p.Paused, p.OnboardingComplete, p.StartDate, p.ReflectionText, p.ReflectionSkipped)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("save participant %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SaveParticipant succeeded", "participantID", p.ID)
	return nil
}

func (s *PostgresStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil && unwrapsToNoRows(err) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "participantID", id)
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SetParticipantPaused(id string, paused bool) error {
	res, err := s.db.Exec(`UPDATE participants SET paused = $1 WHERE id = $2`, paused, id)
	if err != nil {
		slog.Error("PostgresStore SetParticipantPaused failed", "error", err, "participantID", id)
		return fmt.Errorf("set paused for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrParticipantNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateScheduleTime(id string, kind models.ScheduleKind, newTime, effectiveFrom string) error {
	column := "morning_time"
	effColumn := "morning_time_effective_from"
	if kind == models.ScheduleEvening {
		column = "evening_time"
		effColumn = "evening_time_effective_from"
	}
	_, err := s.db.Exec(
		`UPDATE participants SET `+column+` = $1, `+effColumn+` = $2 WHERE id = $3`,
		newTime, effectiveFrom, id)
	if err != nil {
		slog.Error("PostgresStore UpdateScheduleTime failed", "error", err, "participantID", id, "kind", kind)
		return fmt.Errorf("update %s time for %s: %w", kind, id, err)
	}
	return nil
}

func (s *PostgresStore) ListActiveParticipants() ([]models.Participant, error) {
	return s.listParticipants(`SELECT ` + participantColumns + ` FROM participants WHERE onboarding_complete ORDER BY id`)
}

func (s *PostgresStore) ListOnboardingIncomplete() ([]models.Participant, error) {
	return s.listParticipants(`SELECT ` + participantColumns + ` FROM participants WHERE NOT onboarding_complete ORDER BY id`)
}

func (s *PostgresStore) listParticipants(query string) ([]models.Participant, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore listParticipants query failed", "error", err)
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteParticipant(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete participant: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM day_outcomes WHERE participant_id = $1`,
		`DELETE FROM sent_events WHERE participant_id = $1`,
		`DELETE FROM evening_answers WHERE participant_id = $1`,
		`DELETE FROM pending_time_changes WHERE participant_id = $1`,
		`DELETE FROM flow_states WHERE participant_id = $1`,
		`DELETE FROM participants WHERE id = $1`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			slog.Error("PostgresStore DeleteParticipant failed", "error", err, "participantID", id)
			return fmt.Errorf("delete participant %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete participant: %w", err)
	}
	slog.Info("PostgresStore DeleteParticipant succeeded", "participantID", id)
	return nil
}

func (s *PostgresStore) GetDay(participantID, localDate string) (*models.DayOutcome, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, local_date, day_number, outcome FROM day_outcomes WHERE participant_id = $1 AND local_date = $2`,
		participantID, localDate)
	d, err := scanDayOutcome(row)
	if err != nil && unwrapsToNoRows(err) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDay failed", "error", err, "participantID", participantID, "date", localDate)
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) EnsureDay(participantID, localDate, startDate string) (*models.DayOutcome, error) {
	if existing, err := s.GetDay(participantID, localDate); err != nil || existing != nil {
		return existing, err
	}
	if localDate < startDate {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin ensure day: %w", err)
	}
	defer tx.Rollback()

	var maxDay int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(day_number), 0) FROM day_outcomes WHERE participant_id = $1 AND local_date < $2`,
		participantID, localDate).Scan(&maxDay)
	if err != nil {
		slog.Error("PostgresStore EnsureDay max query failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("ensure day max query: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO day_outcomes (participant_id, local_date, day_number, outcome) VALUES ($1, $2, $3, '')
		 ON CONFLICT (participant_id, local_date) DO NOTHING`,
		participantID, localDate, maxDay+1)
	if err != nil {
		slog.Error("PostgresStore EnsureDay insert failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("ensure day insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure day: %w", err)
	}

	slog.Debug("PostgresStore EnsureDay created", "participantID", participantID, "date", localDate, "dayNumber", maxDay+1)
	return s.GetDay(participantID, localDate)
}

func (s *PostgresStore) SetDayOutcome(participantID, localDate string, outcome models.Outcome) error {
	if !models.IsValidOutcome(outcome) {
		return models.ErrInvalidOutcome
	}
	_, err := s.db.Exec(
		`UPDATE day_outcomes SET outcome = $1 WHERE participant_id = $2 AND local_date = $3`,
		string(outcome), participantID, localDate)
	if err != nil {
		slog.Error("PostgresStore SetDayOutcome failed", "error", err, "participantID", participantID, "date", localDate)
		return fmt.Errorf("set day outcome: %w", err)
	}
	slog.Debug("PostgresStore SetDayOutcome succeeded", "participantID", participantID, "date", localDate, "outcome", outcome)
	return nil
}

func (s *PostgresStore) GetOutcomeStats(participantID string) (models.OutcomeStats, error) {
	var st models.OutcomeStats
	err := s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN outcome IN ('full', 'partial', 'none') THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'full' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'partial' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'none' THEN 1 ELSE 0 END)
		FROM day_outcomes WHERE participant_id = $1`, participantID).
		Scan(&nullableInt{&st.Total}, &nullableInt{&st.Full}, &nullableInt{&st.Partial}, &nullableInt{&st.None})
	if err != nil {
		slog.Error("PostgresStore GetOutcomeStats failed", "error", err, "participantID", participantID)
		return st, fmt.Errorf("outcome stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) GetAdminStats() (models.AdminStats, error) {
	var stats models.AdminStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			SUM(CASE WHEN onboarding_complete THEN 1 ELSE 0 END),
			SUM(CASE WHEN paused THEN 1 ELSE 0 END)
		FROM participants`).
		Scan(&stats.TotalParticipants, &nullableInt{&stats.OnboardingComplete}, &nullableInt{&stats.Paused})
	if err != nil {
		return stats, fmt.Errorf("admin participant counts: %w", err)
	}

	err = s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN outcome IN ('full', 'partial', 'none') THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'full' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'partial' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'none' THEN 1 ELSE 0 END)
		FROM day_outcomes`).
		Scan(&nullableInt{&stats.Outcomes.Total}, &nullableInt{&stats.Outcomes.Full},
			&nullableInt{&stats.Outcomes.Partial}, &nullableInt{&stats.Outcomes.None})
	if err != nil {
		return stats, fmt.Errorf("admin outcome totals: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT marks, COUNT(*) FROM (
			SELECT participant_id, COUNT(*) AS marks
			FROM day_outcomes
			WHERE outcome IN ('full', 'partial', 'none')
			GROUP BY participant_id
		) AS per_participant GROUP BY marks ORDER BY marks`)
	if err != nil {
		return stats, fmt.Errorf("admin marks distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b models.MarksBucket
		if err := rows.Scan(&b.MarksCount, &b.UsersCount); err != nil {
			return stats, fmt.Errorf("scan marks bucket: %w", err)
		}
		stats.MarksDistribution = append(stats.MarksDistribution, b)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate marks buckets: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) RecordSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO sent_events (participant_id, local_date, event_kind) VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id, local_date, event_kind) DO NOTHING`,
		participantID, localDate, string(kind))
	if err != nil {
		slog.Error("PostgresStore RecordSentEvent failed", "error", err, "participantID", participantID, "kind", kind)
		return false, fmt.Errorf("record sent event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record sent event rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) HasSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM sent_events WHERE participant_id = $1 AND local_date = $2 AND event_kind = $3`,
		participantID, localDate, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has sent event: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) AcquireEveningAnswer(participantID, localDate string, now time.Time) (time.Time, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("begin evening answer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO evening_answers (participant_id, local_date, first_answered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id, local_date) DO NOTHING`,
		participantID, localDate, now.UTC())
	if err != nil {
		slog.Error("PostgresStore AcquireEveningAnswer insert failed", "error", err, "participantID", participantID)
		return time.Time{}, false, fmt.Errorf("acquire evening answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("acquire evening answer rows: %w", err)
	}

	var first time.Time
	err = tx.QueryRow(
		`SELECT first_answered_at FROM evening_answers WHERE participant_id = $1 AND local_date = $2`,
		participantID, localDate).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read evening answer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, false, fmt.Errorf("commit evening answer: %w", err)
	}
	return first, n == 1, nil
}

func (s *PostgresStore) QueueTimeChange(c models.PendingTimeChange) error {
	if !models.IsValidScheduleKind(c.Kind) {
		return models.ErrInvalidScheduleKind
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_time_changes (participant_id, schedule_kind, new_time, effective_from)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_id, schedule_kind) DO UPDATE SET
			new_time = excluded.new_time,
			effective_from = excluded.effective_from`,
		c.ParticipantID, string(c.Kind), c.NewTime, c.EffectiveFrom)
	if err != nil {
		slog.Error("PostgresStore QueueTimeChange failed", "error", err, "participantID", c.ParticipantID, "kind", c.Kind)
		return fmt.Errorf("queue time change: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPendingTimeChange(participantID string, kind models.ScheduleKind) (*models.PendingTimeChange, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, schedule_kind, new_time, effective_from FROM pending_time_changes
		 WHERE participant_id = $1 AND schedule_kind = $2`,
		participantID, string(kind))
	c, err := scanTimeChange(row)
	if err != nil && unwrapsToNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListDueTimeChanges(participantID, localDate string) ([]models.PendingTimeChange, error) {
	rows, err := s.db.Query(
		`SELECT participant_id, schedule_kind, new_time, effective_from FROM pending_time_changes
		 WHERE participant_id = $1 AND effective_from <= $2 ORDER BY schedule_kind`,
		participantID, localDate)
	if err != nil {
		return nil, fmt.Errorf("list due time changes: %w", err)
	}
	defer rows.Close()

	var out []models.PendingTimeChange
	for rows.Next() {
		c, err := scanTimeChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time changes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteTimeChange(participantID string, kind models.ScheduleKind) error {
	_, err := s.db.Exec(
		`DELETE FROM pending_time_changes WHERE participant_id = $1 AND schedule_kind = $2`,
		participantID, string(kind))
	if err != nil {
		return fmt.Errorf("delete time change: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, flow_type, current_state, draft, created_at, updated_at
		 FROM flow_states WHERE participant_id = $1 AND flow_type = $2`,
		participantID, string(flowType))
	st, err := scanFlowState(row)
	if err != nil && unwrapsToNoRows(err) {
		slog.Debug("PostgresStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	_, err := s.db.Exec(
		`INSERT INTO flow_states (participant_id, flow_type, current_state, draft, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (participant_id, flow_type) DO UPDATE SET
			current_state = excluded.current_state,
			draft = excluded.draft,
			updated_at = excluded.updated_at`,
		state.ParticipantID, string(state.FlowType), string(state.CurrentState),
		state.Draft, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	_, err := s.db.Exec(
		`DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`,
		participantID, string(flowType))
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return fmt.Errorf("delete flow state: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordInbound(messageID, participantID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, participantID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows: %w", err)
	}
	return n == 1, nil
}
