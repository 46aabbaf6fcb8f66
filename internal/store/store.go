// Package store provides storage backends for CheckinPipe.
//
// It defines the logical data access contract for the five durable record
// kinds (participants, day outcomes, sent events, evening answer locks,
// pending time changes) plus conversation flow state and inbound dedup, and
// includes an in-memory store used by tests. SQLite and Postgres
// implementations live in sqlite.go and postgres.go.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Store is the persistence gateway. Dates are participant-local calendar
// dates formatted YYYY-MM-DD; implementations hold no business logic beyond
// the uniqueness and atomicity guarantees documented per method.
type Store interface {
	// CreateParticipant inserts a default participant row if none exists.
	CreateParticipant(id string) error
	// SaveParticipant upserts the full participant record.
	SaveParticipant(p models.Participant) error
	GetParticipant(id string) (*models.Participant, error)
	// SetParticipantPaused flips only the paused flag.
	SetParticipantPaused(id string, paused bool) error
	// UpdateScheduleTime sets one of the two send times and its effective-from
	// date. Used when a pending time change is applied.
	UpdateScheduleTime(id string, kind models.ScheduleKind, newTime, effectiveFrom string) error
	// ListActiveParticipants returns participants with onboarding complete.
	ListActiveParticipants() ([]models.Participant, error)
	ListOnboardingIncomplete() ([]models.Participant, error)
	// DeleteParticipant removes the participant and all dependent rows.
	DeleteParticipant(id string) error

	GetDay(participantID, localDate string) (*models.DayOutcome, error)
	// EnsureDay lazily creates the day row with the next day number
	// (1 + max day number over strictly earlier dates). Dates before the
	// participant's start date get no row and return nil. Safe under
	// concurrent callers for the same key: exactly one row results.
	EnsureDay(participantID, localDate, startDate string) (*models.DayOutcome, error)
	SetDayOutcome(participantID, localDate string, outcome models.Outcome) error
	GetOutcomeStats(participantID string) (models.OutcomeStats, error)
	GetAdminStats() (models.AdminStats, error)

	// RecordSentEvent inserts a fired marker. Returns true only when this call
	// performed the first insert for the key; a duplicate is a no-op, not an
	// error. Callers must treat the return value as the dispatch signal.
	RecordSentEvent(participantID, localDate string, kind models.EventKind) (bool, error)
	HasSentEvent(participantID, localDate string, kind models.EventKind) (bool, error)

	// AcquireEveningAnswer atomically reads or creates the first-answer lock
	// for the key. Returns the lock's timestamp and whether this call created
	// it. The timestamp never changes after first write.
	AcquireEveningAnswer(participantID, localDate string, now time.Time) (time.Time, bool, error)

	// QueueTimeChange upserts the pending change; a new request for the same
	// (participant, kind) overwrites the old one.
	QueueTimeChange(c models.PendingTimeChange) error
	GetPendingTimeChange(participantID string, kind models.ScheduleKind) (*models.PendingTimeChange, error)
	// ListDueTimeChanges returns pending changes with effective date <= localDate.
	ListDueTimeChanges(participantID, localDate string) ([]models.PendingTimeChange, error)
	DeleteTimeChange(participantID string, kind models.ScheduleKind) error

	GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error)
	SaveFlowState(state models.FlowState) error
	DeleteFlowState(participantID string, flowType models.FlowType) error

	// RecordInbound inserts an inbound message dedup record. Returns false if
	// the message ID was already recorded (duplicate delivery).
	RecordInbound(messageID, participantID string) (bool, error)

	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, connection URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a map-backed Store used by unit tests.
type InMemoryStore struct {
	mu           sync.Mutex
	participants map[string]models.Participant
	days         map[string]map[string]*models.DayOutcome // participant -> date -> row
	sentEvents   map[string]struct{}
	answers      map[string]time.Time
	pending      map[string]models.PendingTimeChange
	flowStates   map[string]models.FlowState
	inbound      map[string]struct{}
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]models.Participant),
		days:         make(map[string]map[string]*models.DayOutcome),
		sentEvents:   make(map[string]struct{}),
		answers:      make(map[string]time.Time),
		pending:      make(map[string]models.PendingTimeChange),
		flowStates:   make(map[string]models.FlowState),
		inbound:      make(map[string]struct{}),
	}
}

func (s *InMemoryStore) CreateParticipant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[id]; !ok {
		s.participants[id] = models.Participant{ID: id}
	}
	return nil
}

func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetParticipant(id string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s *InMemoryStore) SetParticipantPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return models.ErrParticipantNotFound
	}
	p.Paused = paused
	s.participants[id] = p
	return nil
}

func (s *InMemoryStore) UpdateScheduleTime(id string, kind models.ScheduleKind, newTime, effectiveFrom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return models.ErrParticipantNotFound
	}
	if kind == models.ScheduleMorning {
		p.MorningTime = newTime
		p.MorningEffectiveFrom = effectiveFrom
	} else {
		p.EveningTime = newTime
		p.EveningEffectiveFrom = effectiveFrom
	}
	s.participants[id] = p
	return nil
}

func (s *InMemoryStore) ListActiveParticipants() ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for _, p := range s.participants {
		if p.OnboardingComplete {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListOnboardingIncomplete() ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for _, p := range s.participants {
		if !p.OnboardingComplete {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteParticipant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, id)
	delete(s.days, id)
	for k := range s.sentEvents {
		if hasKeyPrefix(k, id) {
			delete(s.sentEvents, k)
		}
	}
	for k := range s.answers {
		if hasKeyPrefix(k, id) {
			delete(s.answers, k)
		}
	}
	for k := range s.pending {
		if hasKeyPrefix(k, id) {
			delete(s.pending, k)
		}
	}
	for k := range s.flowStates {
		if hasKeyPrefix(k, id) {
			delete(s.flowStates, k)
		}
	}
	return nil
}

func (s *InMemoryStore) GetDay(participantID, localDate string) (*models.DayOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.days[participantID][localDate]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (s *InMemoryStore) EnsureDay(participantID, localDate, startDate string) (*models.DayOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.days[participantID][localDate]; ok {
		cp := *row
		return &cp, nil
	}
	if localDate < startDate {
		return nil, nil
	}
	maxDay := 0
	for d, row := range s.days[participantID] {
		if d < localDate && row.DayNumber > maxDay {
			maxDay = row.DayNumber
		}
	}
	row := &models.DayOutcome{
		ParticipantID: participantID,
		LocalDate:     localDate,
		DayNumber:     maxDay + 1,
		Outcome:       models.OutcomeUnset,
	}
	if s.days[participantID] == nil {
		s.days[participantID] = make(map[string]*models.DayOutcome)
	}
	s.days[participantID][localDate] = row
	cp := *row
	return &cp, nil
}

func (s *InMemoryStore) SetDayOutcome(participantID, localDate string, outcome models.Outcome) error {
	if !models.IsValidOutcome(outcome) {
		return models.ErrInvalidOutcome
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.days[participantID][localDate]
	if !ok {
		return nil
	}
	row.Outcome = outcome
	return nil
}

func (s *InMemoryStore) GetOutcomeStats(participantID string) (models.OutcomeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(participantID), nil
}

func (s *InMemoryStore) statsLocked(participantID string) models.OutcomeStats {
	var st models.OutcomeStats
	for _, row := range s.days[participantID] {
		switch row.Outcome {
		case models.OutcomeFull:
			st.Full++
		case models.OutcomePartial:
			st.Partial++
		case models.OutcomeNone:
			st.None++
		default:
			continue
		}
		st.Total++
	}
	return st
}

func (s *InMemoryStore) GetAdminStats() (models.AdminStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := models.AdminStats{}
	buckets := make(map[int]int)
	for id, p := range s.participants {
		stats.TotalParticipants++
		if p.OnboardingComplete {
			stats.OnboardingComplete++
		}
		if p.Paused {
			stats.Paused++
		}
		st := s.statsLocked(id)
		stats.Outcomes.Total += st.Total
		stats.Outcomes.Full += st.Full
		stats.Outcomes.Partial += st.Partial
		stats.Outcomes.None += st.None
		if st.Total > 0 {
			buckets[st.Total]++
		}
	}
	counts := make([]int, 0, len(buckets))
	for n := range buckets {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	for _, n := range counts {
		stats.MarksDistribution = append(stats.MarksDistribution, models.MarksBucket{MarksCount: n, UsersCount: buckets[n]})
	}
	return stats, nil
}

func (s *InMemoryStore) RecordSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantID + "|" + localDate + "|" + string(kind)
	if _, ok := s.sentEvents[key]; ok {
		return false, nil
	}
	s.sentEvents[key] = struct{}{}
	return true, nil
}

func (s *InMemoryStore) HasSentEvent(participantID, localDate string, kind models.EventKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sentEvents[participantID+"|"+localDate+"|"+string(kind)]
	return ok, nil
}

func (s *InMemoryStore) AcquireEveningAnswer(participantID, localDate string, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantID + "|" + localDate
	if first, ok := s.answers[key]; ok {
		return first, false, nil
	}
	s.answers[key] = now
	return now, true, nil
}

func (s *InMemoryStore) QueueTimeChange(c models.PendingTimeChange) error {
	if !models.IsValidScheduleKind(c.Kind) {
		return models.ErrInvalidScheduleKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[c.ParticipantID+"|"+string(c.Kind)] = c
	return nil
}

func (s *InMemoryStore) GetPendingTimeChange(participantID string, kind models.ScheduleKind) (*models.PendingTimeChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[participantID+"|"+string(kind)]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (s *InMemoryStore) ListDueTimeChanges(participantID, localDate string) ([]models.PendingTimeChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingTimeChange
	for _, c := range s.pending {
		if c.ParticipantID == participantID && c.EffectiveFrom <= localDate {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *InMemoryStore) DeleteTimeChange(participantID string, kind models.ScheduleKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, participantID+"|"+string(kind))
	return nil
}

func (s *InMemoryStore) GetFlowState(participantID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.flowStates[participantID+"|"+string(flowType)]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[state.ParticipantID+"|"+string(state.FlowType)] = state
	return nil
}

func (s *InMemoryStore) DeleteFlowState(participantID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, participantID+"|"+string(flowType))
	return nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = struct{}{}
	return true, nil
}

func (s *InMemoryStore) Close() error { return nil }

func hasKeyPrefix(key, participantID string) bool {
	return len(key) > len(participantID) && key[:len(participantID)] == participantID && key[len(participantID)] == '|'
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)
