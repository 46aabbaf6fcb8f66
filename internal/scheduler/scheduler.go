// Package scheduler implements the temporal dispatch loop: on every tick
// each active participant is evaluated against their local wall clock and
// any due, not-yet-fired daily event is delivered. Firing is gated by the
// event log's atomic first-writer insert, so overlapping ticks and
// crash-replays never double-send.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/events"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Scheduler evaluates due events for participants.
type Scheduler struct {
	store   store.Store
	events  *events.Log
	catalog *content.Catalog
	msg     messaging.Service
}

// NewScheduler wires a scheduler from its collaborators.
func NewScheduler(s store.Store, log *events.Log, catalog *content.Catalog, msg messaging.Service) *Scheduler {
	return &Scheduler{store: s, events: log, catalog: catalog, msg: msg}
}

// RunTick evaluates all active participants at the current instant.
// Safe to call repeatedly and concurrently.
func (s *Scheduler) RunTick(ctx context.Context) error {
	return s.RunTickAt(ctx, time.Now().UTC())
}

// RunTickAt evaluates all active participants at the given instant.
// A failure on one participant is logged and does not abort the batch.
func (s *Scheduler) RunTickAt(ctx context.Context, now time.Time) error {
	participants, err := s.store.ListActiveParticipants()
	if err != nil {
		slog.Error("Scheduler tick failed to list participants", "error", err)
		return fmt.Errorf("list active participants: %w", err)
	}

	slog.Debug("Scheduler tick started", "participants", len(participants))
	for _, p := range participants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ProcessParticipant(ctx, p, now); err != nil {
			slog.Error("Scheduler participant step failed", "error", err, "participantID", p.ID)
		}
	}
	return nil
}

// ProcessParticipant runs one participant's due-event evaluation at the
// given instant.
func (s *Scheduler) ProcessParticipant(ctx context.Context, p models.Participant, now time.Time) error {
	localNow, err := clock.LocalNow(now, p.Timezone)
	if err != nil {
		return fmt.Errorf("participant %s: %w", p.ID, err)
	}
	localDate := clock.LocalDate(localNow)

	if err := s.applyDueTimeChanges(&p, localDate); err != nil {
		return err
	}

	if p.Paused {
		return nil
	}
	if localDate < p.StartDate || !clock.InProgramWindow(localDate) {
		return nil
	}

	day, err := s.store.EnsureDay(p.ID, localDate, p.StartDate)
	if err != nil {
		return fmt.Errorf("ensure day for %s: %w", p.ID, err)
	}
	if day == nil {
		return nil
	}

	morningDue, err := clock.DueByNow(localNow, p.MorningTime)
	if err != nil {
		return err
	}
	if morningDue {
		if err := s.sendMorning(ctx, p, localDate, day.DayNumber); err != nil {
			return err
		}
	}

	if clock.NoonPassed(localNow) {
		if err := s.sendPresence(ctx, p, localDate, day.DayNumber); err != nil {
			return err
		}
	}

	eveningDue, err := clock.DueByNow(localNow, p.EveningTime)
	if err != nil {
		return err
	}
	if eveningDue {
		if err := s.sendEveningPrompt(ctx, p, localDate); err != nil {
			return err
		}
	}

	reminderDue, err := clock.ReminderDueByNow(localNow, p.EveningTime)
	if err != nil {
		return err
	}
	if reminderDue {
		if err := s.sendEveningReminder(ctx, p, localDate); err != nil {
			return err
		}
	}

	return s.sendFinalSummary(ctx, p, localDate)
}

// CatchUp delivers any already-due messages for today right after a
// participant completes onboarding, so a late-in-the-day signup does not
// wait for the next tick. Only the conversational morning and evening
// messages are replayed.
func (s *Scheduler) CatchUp(ctx context.Context, p models.Participant, now time.Time) error {
	localNow, err := clock.LocalNow(now, p.Timezone)
	if err != nil {
		return fmt.Errorf("participant %s: %w", p.ID, err)
	}
	localDate := clock.LocalDate(localNow)

	if p.Paused || localDate < p.StartDate || !clock.InProgramWindow(localDate) {
		return nil
	}

	day, err := s.store.EnsureDay(p.ID, localDate, p.StartDate)
	if err != nil {
		return fmt.Errorf("ensure day for %s: %w", p.ID, err)
	}
	if day == nil {
		return nil
	}

	morningDue, err := clock.DueByNow(localNow, p.MorningTime)
	if err != nil {
		return err
	}
	if morningDue {
		if err := s.sendMorning(ctx, p, localDate, day.DayNumber); err != nil {
			return err
		}
	}

	eveningDue, err := clock.DueByNow(localNow, p.EveningTime)
	if err != nil {
		return err
	}
	if eveningDue {
		if err := s.sendEveningPrompt(ctx, p, localDate); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) applyDueTimeChanges(p *models.Participant, localDate string) error {
	changes, err := s.store.ListDueTimeChanges(p.ID, localDate)
	if err != nil {
		return fmt.Errorf("list due time changes for %s: %w", p.ID, err)
	}
	if len(changes) == 0 {
		return nil
	}

	for _, c := range changes {
		if err := s.store.UpdateScheduleTime(p.ID, c.Kind, c.NewTime, c.EffectiveFrom); err != nil {
			return err
		}
		if err := s.store.DeleteTimeChange(p.ID, c.Kind); err != nil {
			return err
		}
		slog.Info("applied pending time change", "participantID", p.ID, "kind", c.Kind, "newTime", c.NewTime)
	}

	fresh, err := s.store.GetParticipant(p.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return models.ErrParticipantNotFound
	}
	*p = *fresh
	return nil
}

func (s *Scheduler) sendMorning(ctx context.Context, p models.Participant, localDate string, dayNumber int) error {
	if clock.IsLastDay(localDate) {
		first, err := s.events.Record(p.ID, localDate, models.EventMorningStatus)
		if err != nil {
			return err
		}
		if first {
			if err := s.msg.SendMessage(ctx, p.ID, s.catalog.Copy.Morning.LastDay); err != nil {
				slog.Error("morning last-day send failed", "error", err, "participantID", p.ID)
			}
		}
		return nil
	}

	first, err := s.events.Record(p.ID, localDate, models.EventMorningStatus)
	if err != nil {
		return err
	}
	if first {
		daysLeft, err := clock.DaysLeft(localDate)
		if err != nil {
			return err
		}
		text := content.Render(s.catalog.Copy.Morning.Base, map[string]string{
			"day_number": strconv.Itoa(dayNumber),
			"days_left":  strconv.Itoa(daysLeft),
		})
		yesterday, err := clock.PrevDate(localDate)
		if err != nil {
			return err
		}
		yRow, err := s.store.GetDay(p.ID, yesterday)
		if err != nil {
			return err
		}
		if yRow != nil && yRow.Outcome == models.OutcomeUnset {
			text = s.catalog.Copy.Morning.YesterdayMissed + "\n\n" + text
		}
		if localDate >= clock.ProgramHalfwayDate {
			text += s.catalog.Copy.Morning.Halfway
		}
		if err := s.msg.SendMessage(ctx, p.ID, text); err != nil {
			slog.Error("morning status send failed", "error", err, "participantID", p.ID)
		}
	}

	first, err = s.events.Record(p.ID, localDate, models.EventMorningQuote)
	if err != nil {
		return err
	}
	if first {
		text := content.Render(s.catalog.Copy.Morning.QuoteMessage, map[string]string{
			"quote": s.catalog.Quote(dayNumber),
		})
		if err := s.msg.SendMessage(ctx, p.ID, text); err != nil {
			slog.Error("morning quote send failed", "error", err, "participantID", p.ID)
		}
	}
	return nil
}

func (s *Scheduler) sendPresence(ctx context.Context, p models.Participant, localDate string, dayNumber int) error {
	if !clock.PresenceDue(dayNumber) {
		return nil
	}
	text, ok := s.catalog.Presence(dayNumber)
	if !ok {
		return nil
	}
	first, err := s.events.Record(p.ID, localDate, models.EventMiddayPresence)
	if err != nil {
		return err
	}
	if first {
		if err := s.msg.SendMessageWithOptions(ctx, p.ID, text, []string{s.catalog.Button("thanks")}); err != nil {
			slog.Error("presence send failed", "error", err, "participantID", p.ID)
		}
	}
	return nil
}

func (s *Scheduler) sendEveningPrompt(ctx context.Context, p models.Participant, localDate string) error {
	first, err := s.events.Record(p.ID, localDate, models.EventEveningPrompt)
	if err != nil {
		return err
	}
	if first {
		if err := s.msg.SendMessageWithOptions(ctx, p.ID, s.catalog.Copy.Evening.Prompt, s.statusOptions()); err != nil {
			slog.Error("evening prompt send failed", "error", err, "participantID", p.ID)
		}
	}
	return nil
}

func (s *Scheduler) sendEveningReminder(ctx context.Context, p models.Participant, localDate string) error {
	fired, err := s.events.Fired(p.ID, localDate, models.EventEveningReminder)
	if err != nil {
		return err
	}
	if fired {
		return nil
	}
	day, err := s.store.GetDay(p.ID, localDate)
	if err != nil {
		return err
	}
	if day != nil && day.Outcome != models.OutcomeUnset {
		return nil
	}
	first, err := s.events.Record(p.ID, localDate, models.EventEveningReminder)
	if err != nil {
		return err
	}
	if first {
		if err := s.msg.SendMessageWithOptions(ctx, p.ID, s.catalog.Copy.Evening.Reminder, s.statusOptions()); err != nil {
			slog.Error("evening reminder send failed", "error", err, "participantID", p.ID)
		}
	}
	return nil
}

func (s *Scheduler) sendFinalSummary(ctx context.Context, p models.Participant, localDate string) error {
	if !clock.IsLastDay(localDate) {
		return nil
	}
	first, err := s.events.Record(p.ID, localDate, models.EventFinalSummary)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	stats, err := s.store.GetOutcomeStats(p.ID)
	if err != nil {
		return err
	}
	text := s.catalog.Copy.Final.Title + "\n\n" + content.Render(s.catalog.Copy.Final.Stats, map[string]string{
		"total":   strconv.Itoa(stats.Total),
		"full":    strconv.Itoa(stats.Full),
		"partial": strconv.Itoa(stats.Partial),
		"none":    strconv.Itoa(stats.None),
	})
	if !p.ReflectionSkipped && p.ReflectionText != "" {
		text += "\n\n" + content.Render(s.catalog.Copy.Final.Reflection, map[string]string{
			"reflection_text": p.ReflectionText,
		})
		text += "\n\n" + s.catalog.Copy.Final.ReflectionInvite
	}
	if err := s.msg.SendMessageWithOptions(ctx, p.ID, text, []string{s.catalog.Button("thanks")}); err != nil {
		slog.Error("final summary send failed", "error", err, "participantID", p.ID)
	}
	return nil
}

func (s *Scheduler) statusOptions() []string {
	return []string{
		s.catalog.Button("status_full"),
		s.catalog.Button("status_partial"),
		s.catalog.Button("status_none"),
	}
}
