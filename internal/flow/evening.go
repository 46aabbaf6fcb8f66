package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// parseOutcome maps a status button caption to an outcome value.
func (c *Coordinator) parseOutcome(text string) models.Outcome {
	switch text {
	case c.catalog.Button("status_full"):
		return models.OutcomeFull
	case c.catalog.Button("status_partial"):
		return models.OutcomePartial
	case c.catalog.Button("status_none"):
		return models.OutcomeNone
	default:
		return models.OutcomeUnset
	}
}

func (c *Coordinator) statusOptions() []string {
	return []string{
		c.catalog.Button("status_full"),
		c.catalog.Button("status_partial"),
		c.catalog.Button("status_none"),
	}
}

// handleEveningText records today's outcome from a status answer, or
// re-prompts when the participant is mid-answer and sends something else.
func (c *Coordinator) handleEveningText(ctx context.Context, pid string, p *models.Participant, text string) error {
	if p == nil || !p.OnboardingComplete {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.UnknownText)
	}

	if text == c.catalog.Button("edit_answer") {
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.RepeatPrompt, c.statusOptions())
	}

	localNow, err := clock.LocalNow(c.now(), p.Timezone)
	if err != nil {
		return err
	}
	localDate := clock.LocalDate(localNow)

	outcome := c.parseOutcome(text)
	if outcome == models.OutcomeUnset {
		prompted, err := c.events.Fired(pid, localDate, models.EventEveningPrompt)
		if err != nil {
			return err
		}
		day, err := c.store.GetDay(pid, localDate)
		if err != nil {
			return err
		}
		waiting := prompted && (day == nil || day.Outcome == models.OutcomeUnset)
		if waiting {
			if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
				slog.Error("evening error send failed", "error", err, "participantID", pid)
			}
			return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.RepeatPrompt, c.statusOptions())
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.UnknownText)
	}

	if localDate < p.StartDate || !clock.InProgramWindow(localDate) {
		return nil
	}

	if _, err := c.store.EnsureDay(pid, localDate, p.StartDate); err != nil {
		return err
	}
	allowed, err := c.events.AcceptEveningAnswer(pid, localDate, c.now())
	if err != nil {
		return err
	}
	if !allowed {
		slog.Debug("evening answer rejected outside edit window", "participantID", pid, "date", localDate)
		return nil
	}
	if err := c.store.SetDayOutcome(pid, localDate, outcome); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.Accepted, []string{c.catalog.Button("edit_answer")})
}
