// Package flow implements the durable conversation state machines:
// onboarding, the deferred time-change sub-flow, the evening answer
// handling, the self-test simulation and the admin commands. Every
// transition persists its state and draft before replying, so a process
// restart resumes exactly at the last completed step.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/clock"
	"github.com/BTreeMap/CheckinPipe/internal/content"
	"github.com/BTreeMap/CheckinPipe/internal/events"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/scheduler"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Command tokens recognized from participants.
const (
	CommandStart             = "/start"
	CommandRestartOnboarding = "/restart_onboarding"
	CommandTest              = "/test"
	CommandAdminStats        = "/admin_stats"
	CommandAdminNudge        = "/admin_nudge"
)

// Coordinator routes inbound participant actions to the right flow
// handler based on persisted state.
type Coordinator struct {
	store     store.Store
	events    *events.Log
	catalog   *content.Catalog
	msg       messaging.Service
	scheduler *scheduler.Scheduler
	adminIDs  map[string]struct{}
	now       func() time.Time
}

// Opts holds configuration for the coordinator.
type Opts struct {
	AdminIDs []string
	Now      func() time.Time
}

// Option configures the coordinator.
type Option func(*Opts)

// WithAdminIDs sets the participant IDs allowed to run admin commands.
func WithAdminIDs(ids []string) Option {
	return func(o *Opts) { o.AdminIDs = ids }
}

// WithNow overrides the time source, used by tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(s store.Store, log *events.Log, catalog *content.Catalog, msg messaging.Service, sched *scheduler.Scheduler, opts ...Option) *Coordinator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	admins := make(map[string]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			admins[id] = struct{}{}
		}
	}
	return &Coordinator{
		store:     s,
		events:    log,
		catalog:   catalog,
		msg:       msg,
		scheduler: sched,
		adminIDs:  admins,
		now:       cfg.Now,
	}
}

// Run consumes the transport's response channel until ctx is cancelled or
// the channel closes.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-c.msg.Responses():
			if !ok {
				return
			}
			if err := c.HandleInbound(ctx, in); err != nil {
				slog.Error("inbound handling failed", "error", err, "participantID", in.ParticipantID)
			}
		}
	}
}

// HandleInbound processes one participant action. Replayed message IDs
// are dropped before any state transition runs.
func (c *Coordinator) HandleInbound(ctx context.Context, in models.InboundMessage) error {
	if in.MessageID != "" {
		first, err := c.store.RecordInbound(in.MessageID, in.ParticipantID)
		if err != nil {
			return fmt.Errorf("inbound dedup: %w", err)
		}
		if !first {
			slog.Debug("duplicate inbound message dropped", "messageID", in.MessageID, "participantID", in.ParticipantID)
			return nil
		}
	}

	text := strings.TrimSpace(in.Text)

	if in.Callback != "" {
		return c.handleCallback(ctx, in.ParticipantID, in.Callback)
	}
	if strings.HasPrefix(text, "/") {
		return c.handleCommand(ctx, in.ParticipantID, text)
	}
	return c.handleText(ctx, in.ParticipantID, text)
}

func (c *Coordinator) handleCommand(ctx context.Context, pid, command string) error {
	switch command {
	case CommandStart:
		return c.handleStart(ctx, pid)
	case CommandRestartOnboarding:
		return c.handleRestartOnboarding(ctx, pid)
	case CommandTest:
		return c.startSimulation(ctx, pid)
	case CommandAdminStats:
		return c.handleAdminStats(ctx, pid)
	case CommandAdminNudge:
		return c.handleAdminNudge(ctx, pid)
	default:
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.UnknownText)
	}
}

func (c *Coordinator) handleCallback(ctx context.Context, pid, callback string) error {
	switch {
	case callback == "presence:thanks":
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.PresenceReply)
	case callback == "final:thanks":
		return c.handleFinalThanks(ctx, pid)
	case strings.HasPrefix(callback, "test:"):
		return c.handleSimulationCallback(ctx, pid, callback)
	case strings.HasPrefix(callback, "onb:"),
		strings.HasPrefix(callback, "tz:"),
		strings.HasPrefix(callback, "tzother:"):
		return c.handleOnboardingCallback(ctx, pid, callback)
	default:
		slog.Debug("unknown callback ignored", "participantID", pid, "callback", callback)
		return nil
	}
}

func (c *Coordinator) handleText(ctx context.Context, pid, text string) error {
	simState, err := c.store.GetFlowState(pid, models.FlowTypeSimulation)
	if err != nil {
		return err
	}
	if simState != nil {
		return c.handleSimulationText(ctx, pid, simState, text)
	}

	p, err := c.store.GetParticipant(pid)
	if err != nil {
		return err
	}

	if p != nil && !p.OnboardingComplete {
		onbState, err := c.store.GetFlowState(pid, models.FlowTypeOnboarding)
		if err != nil {
			return err
		}
		if onbState != nil {
			return c.handleOnboardingText(ctx, pid, onbState, text)
		}
	}

	changeState, err := c.store.GetFlowState(pid, models.FlowTypeTimeChange)
	if err != nil {
		return err
	}
	if changeState != nil {
		return c.handleTimeChangeText(ctx, pid, changeState, text)
	}

	switch text {
	case c.catalog.Button("time_change"):
		return c.startTimeChange(ctx, pid)
	case c.catalog.Button("pause"):
		return c.setPaused(ctx, pid, true)
	case c.catalog.Button("resume"):
		return c.setPaused(ctx, pid, false)
	}

	return c.handleEveningText(ctx, pid, p, text)
}

// handleStart shows setup status for finished participants, refuses after
// the program end, and opens onboarding otherwise.
func (c *Coordinator) handleStart(ctx context.Context, pid string) error {
	p, err := c.store.GetParticipant(pid)
	if err != nil {
		return err
	}
	if p != nil && p.OnboardingComplete {
		mode := c.catalog.Copy.Common.ModeActive
		if p.Paused {
			mode = c.catalog.Copy.Common.ModePaused
		}
		text := content.Render(c.catalog.Copy.Common.OnboardingDoneStatus, map[string]string{
			"mode":            mode,
			"timezone":        orDash(p.Timezone),
			"morning_time":    orDash(p.MorningTime),
			"evening_time":    orDash(p.EveningTime),
			"start_date":      orDash(p.StartDate),
			"restart_command": CommandRestartOnboarding,
		})
		return c.msg.SendMessage(ctx, pid, text)
	}

	if clock.LocalDate(c.now()) > clock.ProgramEndDate {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.AlreadyFinished)
	}

	if err := c.store.CreateParticipant(pid); err != nil {
		return err
	}
	return c.sendOnboardingStart(ctx, pid)
}

// handleRestartOnboarding wipes the participant and opens onboarding anew.
func (c *Coordinator) handleRestartOnboarding(ctx context.Context, pid string) error {
	if clock.LocalDate(c.now()) > clock.ProgramEndDate {
		return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.AlreadyFinished)
	}
	if err := c.store.DeleteParticipant(pid); err != nil {
		return err
	}
	if err := c.store.CreateParticipant(pid); err != nil {
		return err
	}
	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Common.RestartStarted); err != nil {
		slog.Error("restart notice send failed", "error", err, "participantID", pid)
	}
	return c.sendOnboardingStart(ctx, pid)
}

func (c *Coordinator) handleFinalThanks(ctx context.Context, pid string) error {
	if err := c.store.CreateParticipant(pid); err != nil {
		return err
	}
	first, err := c.events.Record(pid, clock.ProgramEndDate, models.EventFinalFollowup)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := c.msg.SendMessage(ctx, pid, c.catalog.Copy.Final.Closing); err != nil {
		return err
	}
	return c.msg.SendMessage(ctx, pid, c.catalog.Copy.Final.Contacts)
}

func (c *Coordinator) setPaused(ctx context.Context, pid string, paused bool) error {
	p, err := c.store.GetParticipant(pid)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if err := c.store.SetParticipantPaused(pid, paused); err != nil {
		return err
	}
	reply := c.catalog.Copy.Common.PauseOff
	if paused {
		reply = c.catalog.Copy.Common.PauseOn
	}
	return c.msg.SendMessage(ctx, pid, reply)
}

func (c *Coordinator) isAdmin(pid string) bool {
	_, ok := c.adminIDs[pid]
	return ok
}

// saveFlowState persists a flow position, stamping timestamps.
func (c *Coordinator) saveFlowState(pid string, flowType models.FlowType, state models.StateType, draft any) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal %s draft: %w", flowType, err)
	}
	now := c.now()
	existing, err := c.store.GetFlowState(pid, flowType)
	if err != nil {
		return err
	}
	created := now
	if existing != nil {
		created = existing.CreatedAt
	}
	return c.store.SaveFlowState(models.FlowState{
		ParticipantID: pid,
		FlowType:      flowType,
		CurrentState:  state,
		Draft:         string(raw),
		CreatedAt:     created,
		UpdatedAt:     now,
	})
}

func orDash(v string) string {
	if v == "" {
		return "—"
	}
	return v
}
