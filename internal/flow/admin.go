package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// AdminStats returns the aggregate participation statistics. Used by both
// the chat command and the HTTP admin surface.
func (c *Coordinator) AdminStats() (models.AdminStats, error) {
	return c.store.GetAdminStats()
}

// NudgeOnboarding re-sends the correct next prompt to every participant
// whose onboarding is incomplete, based on their persisted state and
// draft. Send failures are counted per recipient, never propagated.
func (c *Coordinator) NudgeOnboarding(ctx context.Context) (models.NudgeResult, error) {
	targets, err := c.store.ListOnboardingIncomplete()
	if err != nil {
		return models.NudgeResult{}, err
	}
	result := models.NudgeResult{Targets: len(targets)}

	for _, p := range targets {
		if err := c.nudgeOne(ctx, p.ID); err != nil {
			slog.Warn("nudge failed", "error", err, "participantID", p.ID)
			result.Failed++
			continue
		}
		result.Sent++
	}
	slog.Info("onboarding nudge finished", "targets", result.Targets, "sent", result.Sent, "failed", result.Failed)
	return result, nil
}

func (c *Coordinator) nudgeOne(ctx context.Context, pid string) error {
	state, err := c.store.GetFlowState(pid, models.FlowTypeOnboarding)
	if err != nil {
		return err
	}
	draft := decodeOnboardingDraft(state)

	var current models.StateType
	if state != nil {
		current = state.CurrentState
	}

	switch current {
	case models.StateStartGate:
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen1, []string{c.catalog.Button("start")})
	case models.StateReflectionInput:
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen3, []string{c.catalog.Button("skip")})
	case models.StateReflectionConfirm:
		if draft.ReflectionCandidate == "" {
			return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen3, []string{c.catalog.Button("skip")})
		}
		confirm := content.Render(c.catalog.Copy.Onboarding.ReflectionConfirm, map[string]string{
			"reflection_text": draft.ReflectionCandidate,
		})
		return c.msg.SendMessageWithOptions(ctx, pid, confirm, []string{c.catalog.Button("save"), c.catalog.Button("edit")})
	case models.StateTimezoneSelect:
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOptions))
	case models.StateTimezoneCustom:
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOtherOptions))
	case models.StateTimezoneConfirm:
		if draft.TimezoneLabel == "" {
			return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOptions))
		}
		text := content.Render(c.catalog.Copy.Onboarding.TimezoneConfirm, map[string]string{
			"timezone_label": draft.TimezoneLabel,
		})
		return c.msg.SendMessageWithOptions(ctx, pid, text, []string{c.catalog.Button("save"), c.catalog.Button("edit")})
	case models.StateMorningTime:
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen5)
	case models.StateEveningTime:
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Onboarding.Screen6)
	default:
		return c.msg.SendMessageWithOptions(ctx, pid, c.catalog.Copy.Onboarding.Screen4, timezoneLabels(c.catalog.Copy.TimezoneOptions))
	}
}

func (c *Coordinator) handleAdminStats(ctx context.Context, pid string) error {
	if !c.isAdmin(pid) {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Admin.Forbidden)
	}
	stats, err := c.AdminStats()
	if err != nil {
		return err
	}
	return c.msg.SendMessage(ctx, pid, c.renderAdminStats(stats))
}

func (c *Coordinator) renderAdminStats(stats models.AdminStats) string {
	var lines []string
	for _, b := range stats.MarksDistribution {
		if b.UsersCount == 0 {
			continue
		}
		lines = append(lines, content.Render(c.catalog.Copy.Admin.MarksDistributionLine, map[string]string{
			"marks_count": strconv.Itoa(b.MarksCount),
			"users_count": strconv.Itoa(b.UsersCount),
		}))
	}
	block := c.catalog.Copy.Admin.MarksDistributionEmpty
	if len(lines) > 0 {
		block = c.catalog.Copy.Admin.MarksDistributionTitle + "\n" + strings.Join(lines, "\n")
	}
	return content.Render(c.catalog.Copy.Admin.Stats, map[string]string{
		"total_participants":       strconv.Itoa(stats.TotalParticipants),
		"onboarding_complete":      strconv.Itoa(stats.OnboardingComplete),
		"paused":                   strconv.Itoa(stats.Paused),
		"total":                    strconv.Itoa(stats.Outcomes.Total),
		"full":                     strconv.Itoa(stats.Outcomes.Full),
		"partial":                  strconv.Itoa(stats.Outcomes.Partial),
		"none":                     strconv.Itoa(stats.Outcomes.None),
		"marks_distribution_block": block,
	})
}

func (c *Coordinator) handleAdminNudge(ctx context.Context, pid string) error {
	if !c.isAdmin(pid) {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Admin.Forbidden)
	}
	result, err := c.NudgeOnboarding(ctx)
	if err != nil {
		return err
	}
	return c.msg.SendMessage(ctx, pid, content.Render(c.catalog.Copy.Admin.NudgeResult, map[string]string{
		"targets": strconv.Itoa(result.Targets),
		"sent":    strconv.Itoa(result.Sent),
		"failed":  strconv.Itoa(result.Failed),
	}))
}
