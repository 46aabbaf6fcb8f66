package flow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func decodeTimeChangeDraft(state *models.FlowState) models.TimeChangeDraft {
	var draft models.TimeChangeDraft
	if state == nil || state.Draft == "" {
		return draft
	}
	if err := json.Unmarshal([]byte(state.Draft), &draft); err != nil {
		slog.Warn("time change draft unreadable, starting clean", "participantID", state.ParticipantID, "error", err)
	}
	return draft
}

// startTimeChange opens the two-step schedule change dialog.
func (c *Coordinator) startTimeChange(ctx context.Context, pid string) error {
	if err := c.saveFlowState(pid, models.FlowTypeTimeChange, models.StateChangeTarget, models.TimeChangeDraft{}); err != nil {
		return err
	}
	options := []string{
		c.catalog.Button("change_morning"),
		c.catalog.Button("change_evening"),
		c.catalog.Button("back"),
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Common.ChooseTimeTarget, options)
}

func (c *Coordinator) handleTimeChangeText(ctx context.Context, pid string, state *models.FlowState, text string) error {
	draft := decodeTimeChangeDraft(state)

	switch state.CurrentState {
	case models.StateChangeTarget:
		if text == c.catalog.Button("back") {
			if err := c.store.DeleteFlowState(pid, models.FlowTypeTimeChange); err != nil {
				return err
			}
			return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.BackKeep)
		}
		switch text {
		case c.catalog.Button("change_morning"):
			draft.Target = models.ScheduleMorning
		case c.catalog.Button("change_evening"):
			draft.Target = models.ScheduleEvening
		default:
			if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
				slog.Error("time change error send failed", "error", err, "participantID", pid)
			}
			options := []string{
				c.catalog.Button("change_morning"),
				c.catalog.Button("change_evening"),
				c.catalog.Button("back"),
			}
			return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Common.ChooseTimeTarget, options)
		}
		if err := c.saveFlowState(pid, models.FlowTypeTimeChange, models.StateChangeValue, draft); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.PromptNewTime)

	case models.StateChangeValue:
		if err := models.ValidateHHMM(text); err != nil {
			if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.InvalidTime); err != nil {
				slog.Error("time change error send failed", "error", err, "participantID", pid)
			}
			return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.PromptNewTime)
		}

		p, err := c.store.GetParticipant(pid)
		if err != nil {
			return err
		}
		if p == nil || p.Timezone == "" || !models.IsValidScheduleKind(draft.Target) {
			if err := c.store.DeleteFlowState(pid, models.FlowTypeTimeChange); err != nil {
				return err
			}
			return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.BackKeep)
		}

		localNow, err := clock.LocalNow(c.now(), p.Timezone)
		if err != nil {
			return err
		}
		// Effective tomorrow, never today: an already-fired event for
		// the old time must not re-trigger under the new one.
		effectiveFrom, err := clock.NextDate(clock.LocalDate(localNow))
		if err != nil {
			return err
		}
		if err := c.store.QueueTimeChange(models.PendingTimeChange{
			ParticipantID: pid,
			Kind:          draft.Target,
			NewTime:       text,
			EffectiveFrom: effectiveFrom,
		}); err != nil {
			return err
		}
		if err := c.store.DeleteFlowState(pid, models.FlowTypeTimeChange); err != nil {
			return err
		}
		slog.Info("time change queued", "participantID", pid, "kind", draft.Target, "newTime", text, "effectiveFrom", effectiveFrom)
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.ChangeTomorrow)

	default:
		if err := c.store.DeleteFlowState(pid, models.FlowTypeTimeChange); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.BackKeep)
	}
}
