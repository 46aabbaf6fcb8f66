// Package store provides storage backends for CheckinPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) CreateParticipant(id string) error {
	_, err := s.db.Exec(`INSERT INTO participants (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		slog.Error("SQLiteStore CreateParticipant failed", "error", err, "participantID", id)
		return fmt.Errorf("create participant %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveParticipant(p models.Participant) error {
	_, err := s.db.Exec(`
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("save participant %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SaveParticipant succeeded", "participantID", p.ID)
	return nil
}

func (s *SQLiteStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err != nil && unwrapsToNoRows(err) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "participantID", id)
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SetParticipantPaused(id string, paused bool) error {
	res, err := s.db.Exec(`UPDATE participants SET paused = ? WHERE id = ?`, paused, id)
	if err != nil {
		slog.Error("SQLiteStore SetParticipantPaused failed", "error", err, "participantID", id)
		return fmt.Errorf("set paused for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrParticipantNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateScheduleTime(id string, kind models.ScheduleKind, newTime, effectiveFrom string) error {
	column := "morning_time"
	effColumn := "morning_time_effective_from"
	if kind == models.ScheduleEvening {
		column = "evening_time"
		effColumn = "evening_time_effective_from"
	}
	_, err := s.db.Exec(
		`UPDATE participants SET `+column+` = ?, `+effColumn+` = ? WHERE id = ?`,
		newTime, effectiveFrom, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateScheduleTime failed", "error", err, "participantID", id, "kind", kind)
		return fmt.Errorf("update %s time for %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) ListActiveParticipants() ([]models.Participant, error) {
	return s.listParticipants(`SELECT ` + participantColumns + ` FROM participants WHERE onboarding_complete = 1 ORDER BY id`)
}

func (s *SQLiteStore) ListOnboardingIncomplete() ([]models.Participant, error) {
	return s.listParticipants(`SELECT ` + participantColumns + ` FROM participants WHERE onboarding_complete = 0 ORDER BY id`)
}

func (s *SQLiteStore) listParticipants(query string) ([]models.Participant, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore listParticipants query failed", "error", err)
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

func (s *SQLiteStore) DeleteParticipant(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete participant: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM day_outcomes WHERE participant_id = ?`,
		`DELETE FROM sent_events WHERE participant_id = ?`,
		`DELETE FROM evening_answers WHERE participant_id = ?`,
		`DELETE FROM pending_time_changes WHERE participant_id = ?`,
		`DELETE FROM flow_states WHERE participant_id = ?`,
		`DELETE FROM participants WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			slog.Error("SQLiteStore DeleteParticipant failed", "error", err, "participantID", id)
			return fmt.Errorf("delete participant %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete participant: %w", err)
	}
	slog.Info("SQLiteStore DeleteParticipant succeeded", "participantID", id)
	return nil
}

func (s *SQLiteStore) GetDay(participantID, localDate string) (*models.DayOutcome, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, local_date, day_number, outcome FROM day_outcomes WHERE participant_id = ? AND local_date = ?`,
		participantID, localDate)
	d, err := scanDayOutcome(row)
	if err != nil && unwrapsToNoRows(err) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDay failed", "error", err, "participantID", participantID, "date", localDate)
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) EnsureDay(participantID, localDate, startDate string) (*models.DayOutcome, error) {
	if existing, err := s.GetDay(participantID, localDate); err != nil || existing != nil {
		return existing, err
	}
	if localDate < startDate {
		// Days before the participant's start never get a day number.
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin ensure day: %w", err)
	}
	defer tx.Rollback()

	var maxDay int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(day_number), 0) FROM day_outcomes WHERE participant_id = ? AND local_date < ?`,
		participantID, localDate).Scan(&maxDay)
	if err != nil {
		slog.Error("SQLiteStore EnsureDay max query failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("ensure day max query: %w", err)
	}

	// A concurrent creator may win the insert; the conflict is ignored and the
	// winner's row is read back below.
	_, err = tx.Exec(
		`INSERT INTO day_outcomes (participant_id, local_date, day_number, outcome) VALUES (?, ?, ?, '')
		 ON CONFLICT (participant_id, local_date) DO NOTHING`,
		participantID, localDate, maxDay+1)
	if err != nil {
		slog.Error("SQLiteStore EnsureDay insert failed", "error", err, "participantID", participantID)
		return nil, fmt.Errorf("ensure day insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure day: %w", err)
	}

	slog.Debug("SQLiteStore EnsureDay created", "participantID", participantID, "date", localDate, "dayNumber", maxDay+1)
	return s.GetDay(participantID, localDate)
}

func (s *SQLiteStore) SetDayOutcome(participantID, localDate string, outcome models.Outcome) error {
	if !models.IsValidOutcome(outcome) {
		return models.ErrInvalidOutcome
	}
	_, err := s.db.Exec(
		`UPDATE day_outcomes SET outcome = ? WHERE participant_id = ? AND local_date = ?`,
		string(outcome), participantID, localDate)
	if err != nil {
		slog.Error("SQLiteStore SetDayOutcome failed", "error", err, "participantID", participantID, "date", localDate)
		return fmt.Errorf("set day outcome: %w", err)
	}
	slog.Debug("SQLiteStore SetDayOutcome succeeded", "participantID", participantID, "date", localDate, "outcome", outcome)
	return nil
}

func (s *SQLiteStore) GetOutcomeStats(participantID string) (models.OutcomeStats, error) {
	var st models.OutcomeStats
	err := s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN outcome IN ('full', 'partial', 'none') THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'full' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'partial' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'none' THEN 1 ELSE 0 END)
		FROM day_outcomes WHERE participant_id = ?`, participantID).
		Scan(&nullableInt{&st.Total}, &nullableInt{&st.Full}, &nullableInt{&st.Partial}, &nullableInt{&st.None})
	if err != nil {
		slog.Error("SQLiteStore GetOutcomeStats failed", "error", err, "participantID", participantID)
		return st, fmt.Errorf("outcome stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) GetAdminStats() (models.AdminStats, error) {
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
		) GROUP BY marks ORDER BY marks`)
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

func (s *SQLiteStore) RecordSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO sent_events (participant_id, local_date, event_kind) VALUES (?, ?, ?)
		 ON CONFLICT (participant_id, local_date, event_kind) DO NOTHING`,
		participantID, localDate, string(kind))
	if err != nil {
		slog.Error("SQLiteStore RecordSentEvent failed", "error", err, "participantID", participantID, "kind", kind)
		return false, fmt.Errorf("record sent event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record sent event rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) HasSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM sent_events WHERE participant_id = ? AND local_date = ? AND event_kind = ?`,
		participantID, localDate, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has sent event: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) AcquireEveningAnswer(participantID, localDate string, now time.Time) (time.Time, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("begin evening answer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO evening_answers (participant_id, local_date, first_answered_at) VALUES (?, ?, ?)
		 ON CONFLICT (participant_id, local_date) DO NOTHING`,
		participantID, localDate, now.UTC())
	if err != nil {
		slog.Error("SQLiteStore AcquireEveningAnswer insert failed", "error", err, "participantID", participantID)
		return time.Time{}, false, fmt.Errorf("acquire evening answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("acquire evening answer rows: %w", err)
	}

	var first time.Time
	err = tx.QueryRow(
		`SELECT first_answered_at FROM evening_answers WHERE participant_id = ? AND local_date = ?`,
		participantID, localDate).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read evening answer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, false, fmt.Errorf("commit evening answer: %w", err)
	}
	return first, n == 1, nil
}

func (s *SQLiteStore) QueueTimeChange(c models.PendingTimeChange) error {
	if !models.IsValidScheduleKind(c.Kind) {
		return models.ErrInvalidScheduleKind
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_time_changes (participant_id, schedule_kind, new_time, effective_from)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (participant_id, schedule_kind) DO UPDATE SET
			new_time = excluded.new_time,
			effective_from = excluded.effective_from`,
		c.ParticipantID, string(c.Kind), c.NewTime, c.EffectiveFrom)
	if err != nil {
		slog.Error("SQLiteStore QueueTimeChange failed", "error", err, "participantID", c.ParticipantID, "kind", c.Kind)
		return fmt.Errorf("queue time change: %w", err)
	}
	slog.Debug("SQLiteStore QueueTimeChange succeeded", "participantID", c.ParticipantID, "kind", c.Kind, "effectiveFrom", c.EffectiveFrom)
	return nil
}

func (s *SQLiteStore) GetPendingTimeChange(participantID string, kind models.ScheduleKind) (*models.PendingTimeChange, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, schedule_kind, new_time, effective_from FROM pending_time_changes
		 WHERE participant_id = ? AND schedule_kind = ?`,
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

func (s *SQLiteStore) ListDueTimeChanges(participantID, localDate string) ([]models.PendingTimeChange, error) {
	rows, err := s.db.Query(
		`SELECT participant_id, schedule_kind, new_time, effective_from FROM pending_time_changes
		 WHERE participant_id = ? AND effective_from <= ? ORDER BY schedule_kind`,
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

func (s *SQLiteStore) DeleteTimeChange(participantID string, kind models.ScheduleKind) error {
	_, err := s.db.Exec(
		`DELETE FROM pending_time_changes WHERE participant_id = ? AND schedule_kind = ?`,
		participantID, string(kind))
	if err != nil {
		return fmt.Errorf("delete time change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	row := s.db.QueryRow(
		`SELECT participant_id, flow_type, current_state, draft, created_at, updated_at
		 FROM flow_states WHERE participant_id = ? AND flow_type = ?`,
		participantID, string(flowType))
	st, err := scanFlowState(row)
	if err != nil && unwrapsToNoRows(err) {
		slog.Debug("SQLiteStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	_, err := s.db.Exec(
		`INSERT INTO flow_states (participant_id, flow_type, current_state, draft, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (participant_id, flow_type) DO UPDATE SET
			current_state = excluded.current_state,
			draft = excluded.draft,
			updated_at = excluded.updated_at`,
		state.ParticipantID, string(state.FlowType), string(state.CurrentState),
		state.Draft, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return fmt.Errorf("save flow state: %w", err)
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

func (s *SQLiteStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	_, err := s.db.Exec(
		`DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`,
		participantID, string(flowType))
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return fmt.Errorf("delete flow state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordInbound(messageID, participantID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)
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
