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

// Simulation scenarios selectable from the picker.
const (
	ScenarioBefore = "before"
	ScenarioDuring = "during"
	ScenarioApril  = "april"
	ScenarioAfter  = "after"
)

// dayLoopMarker is the sentinel step that switches playback from the
// scripted onboarding screens into the simulated multi-day loop.
const dayLoopMarker = "__DAY_LOOP__"

func decodeSimulationDraft(state *models.FlowState) models.SimulationDraft {
	var draft models.SimulationDraft
	if state == nil || state.Draft == "" {
		return draft
	}
	if err := json.Unmarshal([]byte(state.Draft), &draft); err != nil {
		slog.Warn("simulation draft unreadable, starting clean", "participantID", state.ParticipantID, "error", err)
	}
	return draft
}

// startSimulation opens the scenario picker. The simulation never touches
// real participant schedule state.
func (c *Coordinator) startSimulation(ctx context.Context, pid string) error {
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationPick, models.SimulationDraft{}); err != nil {
		return err
	}
	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.TestMode.Intro); err != nil {
		slog.Error("simulation intro send failed", "error", err, "participantID", pid)
	}
	options := []string{
		c.catalog.Button("scenario_before"),
		c.catalog.Button("scenario_during"),
		c.catalog.Button("scenario_april"),
		c.catalog.Button("scenario_after"),
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Common.TestPick, options)
}

func (c *Coordinator) simulationSteps(scenario string) []string {
	if scenario == ScenarioAfter {
		return []string{c.catalog.Copy.Common.AlreadyFinished}
	}
	steps := []string{
		c.catalog.Copy.Onboarding.Screen1,
		c.catalog.Copy.Onboarding.Screen2,
		c.catalog.Copy.Onboarding.Screen3,
		c.catalog.Copy.Onboarding.Screen4,
		c.catalog.Copy.Onboarding.Screen5,
		c.catalog.Copy.Onboarding.Screen6,
		c.catalog.Copy.Onboarding.Screen7,
	}
	switch scenario {
	case ScenarioBefore:
		steps = append(steps, c.catalog.Copy.Onboarding.FinishBeforeStart)
	case ScenarioApril:
		steps = append(steps, c.catalog.Copy.Onboarding.FinishBase, c.catalog.Copy.Onboarding.FinishApril)
	default:
		steps = append(steps, c.catalog.Copy.Onboarding.FinishBase, c.catalog.Copy.Onboarding.FinishDuring)
	}
	return append(steps, dayLoopMarker)
}

func simulationDayParams(scenario string) (totalDays, daysLeftStart int) {
	switch scenario {
	case ScenarioDuring:
		return 35, 35
	case ScenarioApril:
		return 4, 3
	default:
		return clock.ProgramLengthDays, clock.ProgramLengthDays
	}
}

func (c *Coordinator) handleSimulationCallback(ctx context.Context, pid, callback string) error {
	state, err := c.store.GetFlowState(pid, models.FlowTypeSimulation)
	if err != nil {
		return err
	}
	if state == nil {
		slog.Debug("simulation callback without active flow", "participantID", pid, "callback", callback)
		return nil
	}
	draft := decodeSimulationDraft(state)

	switch {
	case callback == "test:"+ScenarioBefore, callback == "test:"+ScenarioDuring,
		callback == "test:"+ScenarioApril, callback == "test:"+ScenarioAfter:
		draft = models.SimulationDraft{Scenario: strings.TrimPrefix(callback, "test:")}
		return c.sendSimulationStep(ctx, pid, draft)

	case callback == "test:next":
		if draft.Waiting == models.SimulationWaitDayNext {
			return c.advanceSimulatedDay(ctx, pid, draft)
		}
		draft.StepIndex++
		return c.sendSimulationStep(ctx, pid, draft)

	case strings.HasPrefix(callback, "test:tz:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(callback, "test:tz:"))
		if err != nil || idx < 0 || idx >= len(c.catalog.Copy.TimezoneOptions) {
			return c.sendSimulationTimezoneOptions(ctx, pid, draft)
		}
		entry := c.catalog.Copy.TimezoneOptions[idx]
		if entry.Zone == "" {
			if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
				return err
			}
			options := timezoneLabels(c.catalog.Copy.TimezoneOtherOptions)
			options = append(options, c.catalog.Button("back"))
			return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, options)
		}
		return c.confirmSimulationTimezone(ctx, pid, draft, entry.Label)

	case callback == "test:tzother:back":
		return c.sendSimulationTimezoneOptions(ctx, pid, draft)

	case strings.HasPrefix(callback, "test:tzother:pick:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(callback, "test:tzother:pick:"))
		if err != nil || idx < 0 || idx >= len(c.catalog.Copy.TimezoneOtherOptions) {
			return c.sendSimulationTimezoneOptions(ctx, pid, draft)
		}
		return c.confirmSimulationTimezone(ctx, pid, draft, c.catalog.Copy.TimezoneOtherOptions[idx].Label)

	case callback == "test:tz_save":
		if draft.Waiting != models.SimulationWaitTimezoneConfirm {
			return nil
		}
		draft.Waiting = models.SimulationWaitNone
		draft.StepIndex++
		return c.sendSimulationStep(ctx, pid, draft)

	case callback == "test:tz_edit":
		draft.Waiting = models.SimulationWaitNone
		return c.sendSimulationTimezoneOptions(ctx, pid, draft)

	case callback == "test:reflection:save":
		if draft.Waiting != models.SimulationWaitReflectionConfirm {
			return nil
		}
		draft.ReflectionText = strings.TrimSpace(draft.ReflectionCandidate)
		draft.Waiting = models.SimulationWaitNone
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.ReflectionSaved); err != nil {
			slog.Error("simulation ack send failed", "error", err, "participantID", pid)
		}
		draft.StepIndex++
		return c.sendSimulationStep(ctx, pid, draft)

	case callback == "test:reflection:edit":
		draft.Waiting = models.SimulationWaitReflection
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen3)

	case callback == "test:final:thanks":
		if draft.FinalFollowupSent {
			return nil
		}
		draft.FinalFollowupSent = true
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Final.Closing); err != nil {
			return err
		}
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Final.Contacts); err != nil {
			return err
		}
		return c.store.DeleteFlowState(pid, models.FlowTypeSimulation)

	default:
		slog.Debug("unhandled simulation callback", "participantID", pid, "callback", callback)
		return nil
	}
}

func (c *Coordinator) sendSimulationTimezoneOptions(ctx context.Context, pid string, draft models.SimulationDraft) error {
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOptions))
}

func (c *Coordinator) confirmSimulationTimezone(ctx context.Context, pid string, draft models.SimulationDraft, label string) error {
	draft.Waiting = models.SimulationWaitTimezoneConfirm
	draft.TimezoneLabel = label
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}
	text := content.Render(c.catalog.Copy.Onboarding.TimezoneConfirm, map[string]string{
		"timezone_label": label,
	})
	return c.msg.SendMessageWithOptions(ctx, pid, text, []string{c.catalog.Button("save"), c.catalog.Button("edit")})
}

// sendSimulationStep plays the step at draft.StepIndex and records what
// input it now waits for.
func (c *Coordinator) sendSimulationStep(ctx context.Context, pid string, draft models.SimulationDraft) error {
	steps := c.simulationSteps(draft.Scenario)
	if draft.StepIndex >= len(steps) {
		return c.store.DeleteFlowState(pid, models.FlowTypeSimulation)
	}
	text := steps[draft.StepIndex]

	switch text {
	case dayLoopMarker:
		totalDays, daysLeftStart := simulationDayParams(draft.Scenario)
		draft.DayLoopActive = true
		draft.Day = 1
		draft.TotalDays = totalDays
		draft.DaysLeftStart = daysLeftStart
		draft.Waiting = models.SimulationWaitNone
		return c.sendSimulatedDayPrompt(ctx, pid, draft)

	case c.catalog.Copy.Onboarding.Screen3:
		draft.Waiting = models.SimulationWaitReflection
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, text)

	case c.catalog.Copy.Onboarding.Screen4:
		draft.Waiting = models.SimulationWaitNone
		return c.sendSimulationTimezoneOptions(ctx, pid, draft)

	case c.catalog.Copy.Onboarding.Screen5:
		draft.Waiting = models.SimulationWaitMorningTime
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, text)

	case c.catalog.Copy.Onboarding.Screen6:
		draft.Waiting = models.SimulationWaitEveningTime
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		return c.msg.SendMessage(ctx, pid, text)
	}

	draft.Waiting = models.SimulationWaitNone
	last := draft.StepIndex >= len(steps)-1
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}
	if last {
		if err := c.msg.SendMessage(ctx, pid, text); err != nil {
			return err
		}
		return c.store.DeleteFlowState(pid, models.FlowTypeSimulation)
	}
	return c.msg.SendMessageWithOptions(ctx, pid, text, []string{c.catalog.Button("next")})
}

// sendSimulatedDayPrompt plays one simulated program day: morning status,
// quote, presence note when due, then the evening prompt.
func (c *Coordinator) sendSimulatedDayPrompt(ctx context.Context, pid string, draft models.SimulationDraft) error {
	var morning string
	if draft.Day == draft.TotalDays {
		morning = c.catalog.Copy.Morning.LastDay
	} else {
		daysLeft := draft.DaysLeftStart - (draft.Day - 1)
		if daysLeft < 0 {
			daysLeft = 0
		}
		morning = content.Render(c.catalog.Copy.Morning.Base, map[string]string{
			"day_number": strconv.Itoa(draft.Day),
			"days_left":  strconv.Itoa(daysLeft),
		})
		if draft.PrevUnmarked {
			morning = c.catalog.Copy.Morning.YesterdayMissed + "\n\n" + morning
		}
	}
	if err := c.msg.SendMessage(ctx, pid, morning); err != nil {
		slog.Error("simulation morning send failed", "error", err, "participantID", pid)
	}

	if draft.Day != draft.TotalDays {
		quote := content.Render(c.catalog.Copy.Morning.QuoteMessage, map[string]string{
			"quote": c.catalog.Quote(draft.Day),
		})
		if err := c.msg.SendMessage(ctx, pid, quote); err != nil {
			slog.Error("simulation quote send failed", "error", err, "participantID", pid)
		}
	}

	if clock.PresenceDue(draft.Day) {
		if note, ok := c.catalog.Presence(draft.Day); ok {
			if err := c.msg.SendMessage(ctx, pid, note); err != nil {
				slog.Error("simulation presence send failed", "error", err, "participantID", pid)
			}
		}
	}

	draft.Waiting = models.SimulationWaitEveningStatus
	draft.PendingDayOutcome = models.OutcomeUnset
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}
	options := append(c.statusOptions(), c.catalog.Button("next"), c.catalog.Button("skip_to_final"))
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.Prompt, options)
}

// advanceSimulatedDay commits the pending outcome and moves to the next
// simulated day or the synthetic summary.
func (c *Coordinator) advanceSimulatedDay(ctx context.Context, pid string, draft models.SimulationDraft) error {
	draft.Waiting = models.SimulationWaitNone
	if models.IsValidOutcome(draft.PendingDayOutcome) {
		draft.Stats = addOutcome(draft.Stats, draft.PendingDayOutcome)
		draft.PendingDayOutcome = models.OutcomeUnset
		draft.PrevUnmarked = false
	}
	if draft.Day >= draft.TotalDays {
		return c.sendSimulationFinal(ctx, pid, draft)
	}
	draft.Day++
	return c.sendSimulatedDayPrompt(ctx, pid, draft)
}

func (c *Coordinator) sendSimulationFinal(ctx context.Context, pid string, draft models.SimulationDraft) error {
	draft.Waiting = models.SimulationWaitNone
	draft.DayLoopActive = false
	if models.IsValidOutcome(draft.PendingDayOutcome) {
		draft.Stats = addOutcome(draft.Stats, draft.PendingDayOutcome)
		draft.PendingDayOutcome = models.OutcomeUnset
		draft.PrevUnmarked = false
	}
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}

	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Final.Title); err != nil {
		slog.Error("simulation final send failed", "error", err, "participantID", pid)
	}
	stats := content.Render(c.catalog.Copy.Final.Stats, map[string]string{
		"total":   strconv.Itoa(draft.Stats.Full + draft.Stats.Partial + draft.Stats.None),
		"full":    strconv.Itoa(draft.Stats.Full),
		"partial": strconv.Itoa(draft.Stats.Partial),
		"none":    strconv.Itoa(draft.Stats.None),
	})
	reflection := strings.TrimSpace(draft.ReflectionText)
	if reflection == "" {
		return c.msg.SendMessageWithOptions(ctx, pid, stats, []string{c.catalog.Button("thanks")})
	}
	if err := c.msg.SendMessage(ctx, pid, stats); err != nil {
		return err
	}
	if err := c.msg.SendMessage(ctx, pid, content.Render(c.catalog.Copy.Final.Reflection, map[string]string{
		"reflection_text": reflection,
	})); err != nil {
		return err
	}
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Final.ReflectionInvite, []string{c.catalog.Button("thanks")})
}

func (c *Coordinator) handleSimulationText(ctx context.Context, pid string, state *models.FlowState, text string) error {
	draft := decodeSimulationDraft(state)

	if state.CurrentState == models.StateSimulationPick {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("simulation error send failed", "error", err, "participantID", pid)
		}
		options := []string{
			c.catalog.Button("scenario_before"),
			c.catalog.Button("scenario_during"),
			c.catalog.Button("scenario_april"),
			c.catalog.Button("scenario_after"),
		}
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Common.TestPick, options)
	}

	if draft.Waiting == models.SimulationWaitTimezoneConfirm {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("simulation error send failed", "error", err, "participantID", pid)
		}
		return c.confirmSimulationTimezone(ctx, pid, draft, orDash(draft.TimezoneLabel))
	}

	if draft.DayLoopActive && text == c.catalog.Button("skip_to_final") {
		return c.sendSimulationFinal(ctx, pid, draft)
	}

	switch draft.Waiting {
	case models.SimulationWaitDayNext:
		return c.handleSimulationDayNextText(ctx, pid, draft, text)
	case models.SimulationWaitEveningStatus:
		return c.handleSimulationEveningText(ctx, pid, draft, text)
	case models.SimulationWaitMorningTime, models.SimulationWaitEveningTime:
		return c.handleSimulationTimeText(ctx, pid, draft, text)
	case models.SimulationWaitReflection:
		return c.handleSimulationReflectionText(ctx, pid, draft, text)
	default:
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput)
	}
}

func (c *Coordinator) handleSimulationDayNextText(ctx context.Context, pid string, draft models.SimulationDraft, text string) error {
	switch text {
	case c.catalog.Button("edit_answer"):
		draft.Waiting = models.SimulationWaitEveningStatus
		draft.PendingDayOutcome = models.OutcomeUnset
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		options := append(c.statusOptions(), c.catalog.Button("next"), c.catalog.Button("skip_to_final"))
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.RepeatPrompt, options)
	case c.catalog.Button("next"):
		return c.advanceSimulatedDay(ctx, pid, draft)
	default:
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
			slog.Error("simulation error send failed", "error", err, "participantID", pid)
		}
		options := []string{c.catalog.Button("edit_answer"), c.catalog.Button("next"), c.catalog.Button("skip_to_final")}
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Button("next"), options)
	}
}

func (c *Coordinator) handleSimulationEveningText(ctx context.Context, pid string, draft models.SimulationDraft, text string) error {
	if outcome := c.parseOutcome(text); outcome != models.OutcomeUnset {
		draft.PendingDayOutcome = outcome
		draft.Waiting = models.SimulationWaitDayNext
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		options := []string{c.catalog.Button("edit_answer"), c.catalog.Button("next"), c.catalog.Button("skip_to_final")}
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.Accepted, options)
	}

	if text == c.catalog.Button("next") {
		draft.PrevUnmarked = true
		draft.PendingDayOutcome = models.OutcomeUnset
		draft.Waiting = models.SimulationWaitDayNext
		if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
			return err
		}
		options := []string{c.catalog.Button("next"), c.catalog.Button("skip_to_final")}
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.Reminder, options)
	}

	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.WrongInput); err != nil {
		slog.Error("simulation error send failed", "error", err, "participantID", pid)
	}
	options := append(c.statusOptions(), c.catalog.Button("next"), c.catalog.Button("skip_to_final"))
	return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Evening.Prompt, options)
}

func (c *Coordinator) handleSimulationTimeText(ctx context.Context, pid string, draft models.SimulationDraft, text string) error {
	steps := c.simulationSteps(draft.Scenario)
	if err := models.ValidateHHMM(text); err != nil {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.InvalidTime); err != nil {
			slog.Error("simulation error send failed", "error", err, "participantID", pid)
		}
		if draft.StepIndex < len(steps) {
			return c.msg.SendMessage(ctx, pid, steps[draft.StepIndex])
		}
		return nil
	}

	ack := c.catalog.Copy.Onboarding.MorningSaved
	if draft.Waiting == models.SimulationWaitEveningTime {
		ack = c.catalog.Copy.Onboarding.EveningSaved
	}
	if err := c.msg.SendMessage(ctx, pid, ack); err != nil {
		slog.Error("simulation ack send failed", "error", err, "participantID", pid)
	}
	draft.Waiting = models.SimulationWaitNone
	draft.StepIndex++
	return c.sendSimulationStep(ctx, pid, draft)
}

func (c *Coordinator) handleSimulationReflectionText(ctx context.Context, pid string, draft models.SimulationDraft, text string) error {
	if models.ValidateReflection(text) != nil {
		if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Errors.ReflectionTooLong); err != nil {
			slog.Error("simulation error send failed", "error", err, "participantID", pid)
		}
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen3)
	}

	draft.ReflectionCandidate = text
	draft.Waiting = models.SimulationWaitReflectionConfirm
	if err := c.saveFlowState(pid, models.FlowTypeSimulation, models.StateSimulationRun, draft); err != nil {
		return err
	}
	confirm := content.Render(c.catalog.Copy.Onboarding.ReflectionConfirm, map[string]string{
		"reflection_text": text,
	})
	return c.msg.SendMessageWithOptions(ctx, pid, confirm, []string{c.catalog.Button("save"), c.catalog.Button("edit")})
}

func addOutcome(stats models.OutcomeStats, o models.Outcome) models.OutcomeStats {
	stats.Total++
	switch o {
	case models.OutcomeFull:
		stats.Full++
	case models.OutcomePartial:
		stats.Partial++
	case models.OutcomeNone:
		stats.None++
	}
	return stats
}
