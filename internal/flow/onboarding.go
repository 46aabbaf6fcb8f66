package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func decodeOnboardingDraft(state *models.FlowState) models.OnboardingDraft {
	var draft models.OnboardingDraft
	if state == nil || state.Draft == "" {
		return draft
	}
	if err := json.Unmarshal([]byte(state.Draft), &draft); err != nil {
		slog.Warn("onboarding draft unreadable, starting clean", "participantID", state.ParticipantID, "error", err)
	}
	return draft
}

func (c *Coordinator) sendOnboardingStart(ctx context.Context, pid string) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateStartGate, models.OnboardingDraft{}); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen1, []string{c.catalog.Button("start")})
}

func (c *Coordinator) sendReflectionPrompt(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateReflectionInput, draft); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen3, []string{c.catalog.Button("skip")})
}

func (c *Coordinator) sendTimezoneStep(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateTimezoneSelect, draft); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOptions))
}

func (c *Coordinator) sendOtherTimezoneStep(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateTimezoneCustom, draft); err != nil {
		return err
	}
	options := timezoneLabels(c.catalog.Copy.TimezoneOtherOptions)
	options = append(options, c.catalog.Button("back"))
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, options)
}

func (c *Coordinator) sendTimezoneConfirm(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateTimezoneConfirm, draft); err != nil {
		return err
	}
	text := content.Render(c.catalog.Copy.Onboarding.TimezoneConfirm, map[string]string{
		"timezone_label": orDash(draft.TimezoneLabel),
	})
	return c.msg.SendMessageWithOptions(ctx, pid, text, []string{c.catalog.Button("save"), c.catalog.Button("edit")})
}

func (c *Coordinator) sendMorningTimeStep(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateMorningTime, draft); err != nil {
		return err
	}
	return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen5)
}

func (c *Coordinator) sendEveningTimeStep(ctx context.Context, pid string, draft models.OnboardingDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateEveningTime, draft); err != nil {
		return err
	}
	return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen6)
}

// handleOnboardingCallback routes an onboarding callback token by its own
// shape, not by the recorded state. State persistence can lag one
// invocation behind the transport, so the token is the more reliable
// signal; handlers re-derive context from the persisted draft.
func (c *Coordinator) handleOnboardingCallback(ctx context.Context, pid, callback string) error {
	state, err := c.store.GetFlowState(pid, models.FlowTypeOnboarding)
	if err != nil {
		return err
	}
	draft := decodeOnboardingDraft(state)

	switch {
	case callback == "onb:start":
		draft = models.OnboardingDraft{}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen2); err != nil {
			slog.Error("onboarding screen send failed", "error", err, "participantID", pid)
		}
		return c.sendReflectionPrompt(ctx, pid, draft)

	case callback == "onb:skip":
		draft.ReflectionText = ""
		draft.ReflectionSet = false
		draft.ReflectionSkipped = true
		return c.sendTimezoneStep(ctx, pid, draft)

	case callback == "onb:save":
		draft.ReflectionText = draft.ReflectionCandidate
		draft.ReflectionSet = true
		draft.ReflectionSkipped = false
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.ReflectionSaved); err != nil {
			slog.Error("onboarding reflection ack failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneStep(ctx, pid, draft)

	case callback == "onb:edit", callback == "onb:back_to_prompt":
		return c.sendReflectionPrompt(ctx, pid, draft)

	case callback == "onb:back_to_welcome":
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen2); err != nil {
			slog.Error("onboarding screen send failed", "error", err, "participantID", pid)
		}
		return c.sendReflectionPrompt(ctx, pid, draft)

	case strings.HasPrefix(callback, "tz:"):
		return c.handleTimezonePick(ctx, pid, draft, strings.TrimPrefix(callback, "tz:"))

	case callback == "tzother:back":
		return c.sendTimezoneStep(ctx, pid, draft)

	case strings.HasPrefix(callback, "tzother:pick:"):
		return c.handleOtherTimezonePick(ctx, pid, draft, strings.TrimPrefix(callback, "tzother:pick:"))

	case callback == "onb:tz_save":
		return c.sendMorningTimeStep(ctx, pid, draft)

	case callback == "onb:tz_edit":
		return c.sendTimezoneStep(ctx, pid, draft)

	default:
		slog.Debug("unhandled onboarding callback", "participantID", pid, "callback", callback)
		return nil
	}
}

func (c *Coordinator) handleTimezonePick(ctx context.Context, pid string, draft models.OnboardingDraft, idxToken string) error {
	idx, err := strconv.Atoi(idxToken)
	if err != nil || idx < 0 || idx >= len(c.catalog.Copy.TimezoneOptions) {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.TimezoneUnknown); err != nil {
			slog.Error("timezone error send failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneStep(ctx, pid, draft)
	}
	entry := c.catalog.Copy.TimezoneOptions[idx]
	if entry.Zone == "" {
		return c.sendOtherTimezoneStep(ctx, pid, draft)
	}
	draft.Timezone = entry.Zone
	draft.TimezoneLabel = entry.Label
	return c.sendTimezoneConfirm(ctx, pid, draft)
}

func (c *Coordinator) handleOtherTimezonePick(ctx context.Context, pid string, draft models.OnboardingDraft, idxToken string) error {
	idx, err := strconv.Atoi(idxToken)
	if err != nil || idx < 0 || idx >= len(c.catalog.Copy.TimezoneOtherOptions) {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.TimezoneUnknown); err != nil {
			slog.Error("timezone error send failed", "error", err, "participantID", pid)
		}
		return c.sendOtherTimezoneStep(ctx, pid, draft)
	}
	entry := c.catalog.Copy.TimezoneOtherOptions[idx]
	if _, err := clock.LoadLocation(entry.Zone); err != nil {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.TimezoneUnknown); err != nil {
			slog.Error("timezone error send failed", "error", err, "participantID", pid)
		}
		return c.sendOtherTimezoneStep(ctx, pid, draft)
	}
	draft.Timezone = entry.Zone
	draft.TimezoneLabel = entry.Label
	return c.sendTimezoneConfirm(ctx, pid, draft)
}

func (c *Coordinator) handleOnboardingText(ctx context.Context, pid string, state *models.FlowState, text string) error {
	draft := decodeOnboardingDraft(state)

	switch state.CurrentState {
	case models.StateStartGate:
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendOnboardingStart(ctx, pid)

	case models.StateReflectionInput:
		if models.ValidateReflection(text) != nil {
			return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.ReflectionTooLong)
		}
		draft.ReflectionCandidate = text
		if err := c.saveFlowState(pid, models.FlowTypeOnboarding, models.StateReflectionConfirm, draft); err != nil {
			return err
		}
		confirm := content.Render(c.catalog.Copy.Onboarding.ReflectionConfirm, map[string]string{
			"reflection_text": text,
		})
		return c.msg.SendMessageWithOptions(ctx, pid, confirm, []string{c.catalog.Button("save"), c.catalog.Button("edit")})

	case models.StateReflectionConfirm:
		if handled, err := c.tryStaleTimeInput(ctx, pid, draft, text); handled || err != nil {
			return err
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		confirm := content.Render(c.catalog.Copy.Onboarding.ReflectionConfirm, map[string]string{
			"reflection_text": draft.ReflectionCandidate,
		})
		return c.msg.SendMessageWithOptions(ctx, pid, confirm, []string{c.catalog.Button("save"), c.catalog.Button("edit")})

	case models.StateTimezoneSelect:
		if handled, err := c.tryStaleTimeInput(ctx, pid, draft, text); handled || err != nil {
			return err
		}
		if opt, ok := c.catalog.ResolveTimezone(text); ok {
			draft.Timezone = opt.Zone
			draft.TimezoneLabel = opt.Label
			return c.sendTimezoneConfirm(ctx, pid, draft)
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneStep(ctx, pid, draft)

	case models.StateTimezoneCustom:
		if handled, err := c.tryStaleTimeInput(ctx, pid, draft, text); handled || err != nil {
			return err
		}
		if text == c.catalog.Button("back") {
			return c.sendTimezoneStep(ctx, pid, draft)
		}
		if opt, ok := c.catalog.ResolveTimezone(text); ok {
			draft.Timezone = opt.Zone
			draft.TimezoneLabel = opt.Label
			return c.sendTimezoneConfirm(ctx, pid, draft)
		}
		// Free-text IANA zone names are accepted here as an escape hatch.
		if _, err := clock.LoadLocation(text); err == nil {
			draft.Timezone = text
			draft.TimezoneLabel = text
			return c.sendTimezoneConfirm(ctx, pid, draft)
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.TimezoneUnknown); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendOtherTimezoneStep(ctx, pid, draft)

	case models.StateTimezoneConfirm:
		if handled, err := c.tryStaleTimeInput(ctx, pid, draft, text); handled || err != nil {
			return err
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneConfirm(ctx, pid, draft)

	case models.StateMorningTime:
		return c.acceptMorningTime(ctx, pid, draft, text)

	case models.StateEveningTime:
		return c.acceptEveningTime(ctx, pid, draft, text)

	default:
		slog.Warn("onboarding text in unknown state", "participantID", pid, "state", state.CurrentState)
		return c.sendOnboardingStart(ctx, pid)
	}
}

// tryStaleTimeInput accepts a well-formed HH:MM value even when the
// recorded state disagrees, inferring the intended step from which draft
// fields are already populated. State writes can trail the transport by
// one message, and refusing a valid time here would strand participants.
func (c *Coordinator) tryStaleTimeInput(ctx context.Context, pid string, draft models.OnboardingDraft, text string) (bool, error) {
	if models.ValidateHHMM(text) != nil {
		return false, nil
	}
	if draft.Timezone == "" {
		return false, nil
	}
	if draft.MorningTime == "" {
		return true, c.acceptMorningTime(ctx, pid, draft, text)
	}
	return true, c.acceptEveningTime(ctx, pid, draft, text)
}

func (c *Coordinator) acceptMorningTime(ctx context.Context, pid string, draft models.OnboardingDraft, text string) error {
	if err := models.ValidateHHMM(text); err != nil {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.InvalidTime)
	}
	draft.MorningTime = text
	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.MorningSaved); err != nil {
		slog.Error("onboarding ack send failed", "error", err, "participantID", pid)
	}
	return c.sendEveningTimeStep(ctx, pid, draft)
}

// acceptEveningTime is the terminal transition: it commits the collected
// draft into the participant record in one update and replays any
// already-due messages for today.
func (c *Coordinator) acceptEveningTime(ctx context.Context, pid string, draft models.OnboardingDraft, text string) error {
	if err := models.ValidateHHMM(text); err != nil {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.InvalidTime)
	}
	if draft.Timezone == "" || draft.MorningTime == "" {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneStep(ctx, pid, draft)
	}

	localNow, err := clock.LocalNow(c.now(), draft.Timezone)
	if err != nil {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.TimezoneUnknown); err != nil {
			slog.Error("onboarding error send failed", "error", err, "participantID", pid)
		}
		return c.sendTimezoneStep(ctx, pid, draft)
	}
	localToday := clock.LocalDate(localNow)

	if localToday > clock.ProgramEndDate {
		if err := c.store.DeleteFlowState(pid, models.FlowTypeOnboarding); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.AlreadyFinished)
	}

	startDate := localToday
	if startDate < clock.ProgramStartDate {
		startDate = clock.ProgramStartDate
	}

	p := models.Participant{
		ID:                   pid,
		Timezone:             draft.Timezone,
		MorningTime:          draft.MorningTime,
		EveningTime:          text,
		MorningEffectiveFrom: localToday,
		EveningEffectiveFrom: localToday,
		Paused:               false,
		OnboardingComplete:   true,
		StartDate:            startDate,
		ReflectionText:       draft.ReflectionText,
		ReflectionSkipped:    draft.ReflectionSkipped,
	}
	if err := c.store.SaveParticipant(p); err != nil {
		return err
	}
	if clock.InProgramWindow(localToday) {
		if _, err := c.store.EnsureDay(pid, localToday, startDate); err != nil {
			return err
		}
	}
	if err := c.store.DeleteFlowState(pid, models.FlowTypeOnboarding); err != nil {
		return err
	}

	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.EveningSaved); err != nil {
		slog.Error("onboarding ack send failed", "error", err, "participantID", pid)
	}
	if err := c.msg.SendMessage(ctx, pid, c.finishText(localToday)); err != nil {
		slog.Error("onboarding finish send failed", "error", err, "participantID", pid)
	}

	if err := c.scheduler.CatchUp(ctx, p, c.now()); err != nil {
		slog.Error("onboarding catch-up failed", "error", err, "participantID", pid)
	}
	slog.Info("onboarding completed", "participantID", pid, "startDate", startDate)
	return nil
}

func (c *Coordinator) finishText(localToday string) string {
	if localToday < clock.ProgramStartDate {
		return c.catalog.Copy.Onboarding.FinishBeforeStart
	}
	if localToday >= "2026-04-01" && localToday <= clock.ProgramEndDate {
		return c.catalog.Copy.Onboarding.FinishBase + "\n\n" + c.catalog.Copy.Onboarding.FinishApril
	}
	return c.catalog.Copy.Onboarding.FinishBase + "\n\n" + c.catalog.Copy.Onboarding.FinishDuring
}

func timezoneLabels(options []content.TimezoneOption) []string {
	labels := make([]string, 0, len(options))
	for _, opt := range options {
		labels = append(labels, opt.Label)
	}
	return labels
}
