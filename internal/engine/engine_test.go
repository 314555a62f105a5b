package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"commandcore/internal/audit"
	"commandcore/internal/config"
	"commandcore/internal/db"
	"commandcore/internal/domain"
	"commandcore/internal/engine"
	"commandcore/internal/migrate"
	"commandcore/internal/planner"
)

type fakePlanner struct {
	plan domain.ExecutionPlan
	err  error
	// block, when set, holds GeneratePlan until released
	block chan struct{}
}

func (f *fakePlanner) GeneratePlan(ctx context.Context, label string, att *planner.Attachment) (domain.ExecutionPlan, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return domain.ExecutionPlan{}, f.err
	}
	return f.plan, nil
}

type fakeRunner struct {
	outcome  domain.ExecutionOutcome
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, command string) domain.ExecutionOutcome {
	f.commands = append(f.commands, command)
	return f.outcome
}

type testEnv struct {
	Engine  *engine.Engine
	Planner *fakePlanner
	Runner  *fakeRunner
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fp := &fakePlanner{plan: domain.ExecutionPlan{
		Summary:   "Open the browser",
		Steps:     []string{"start chrome"},
		Command:   "start chrome",
		Executor:  "cmd",
		RiskLevel: domain.RiskLow,
	}}
	fr := &fakeRunner{outcome: domain.ExecutionOutcome{Status: domain.OutcomeSuccess, Output: "ok"}}
	eng := engine.New(conn, config.Default(), fp, fr, audit.New(), nil)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Planner: fp, Runner: fr, Ctx: context.Background()}
}

func messageCount(t *testing.T, env testEnv) int {
	t.Helper()
	n, err := env.Engine.Repo.CountMessages(env.Ctx)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return n
}

func TestAutoDispatchLowRisk(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "Open browser", ActorID: "operator"})
	if err != nil {
		t.Fatalf("run mission: %v", err)
	}
	if res.Held {
		t.Fatalf("low-risk plan should not be held")
	}
	if res.MessageID == "" {
		t.Fatalf("expected recorded message")
	}
	if messageCount(t, env) != 1 {
		t.Fatalf("expected 1 message, got %d", messageCount(t, env))
	}
	if _, ok := env.Engine.Hold(); ok {
		t.Fatalf("no hold expected")
	}
	if env.Engine.State() != domain.StateIdle {
		t.Fatalf("state = %s, want idle", env.Engine.State())
	}
	if len(env.Runner.commands) != 1 || env.Runner.commands[0] != "start chrome" {
		t.Fatalf("dispatched commands = %v", env.Runner.commands)
	}
}

func TestHighRiskOpensHold(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan = domain.ExecutionPlan{
		Summary:          "Clean all temp files",
		Steps:            []string{"delete temp"},
		Command:          `del /q/s %TEMP%\*`,
		Executor:         "cmd",
		RiskLevel:        domain.RiskHigh,
		RequiresApproval: true,
	}
	res, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "Clean all temp files", ActorID: "operator"})
	if err != nil {
		t.Fatalf("run mission: %v", err)
	}
	if !res.Held || res.Hold == nil {
		t.Fatalf("expected hold, got %+v", res)
	}
	if messageCount(t, env) != 0 {
		t.Fatalf("no message should be recorded while held")
	}
	if len(env.Runner.commands) != 0 {
		t.Fatalf("command must not be dispatched while held")
	}
	hold, ok := env.Engine.Hold()
	if !ok || hold.Plan.Command != `del /q/s %TEMP%\*` {
		t.Fatalf("hold = %+v", hold)
	}
	found := false
	for _, line := range env.Engine.Audit.Lines() {
		if strings.HasSuffix(line, "Admin approval required.") {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit log missing approval line: %v", env.Engine.Audit.Lines())
	}
}

func TestSensitiveTaskEscalatesDespiteLowRisk(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{TaskID: "registry_fix", ActorID: "operator"})
	if err != nil {
		t.Fatalf("run mission: %v", err)
	}
	if !res.Held {
		t.Fatalf("sensitive catalog task should escalate")
	}
}

func TestApproveDispatchesHeldPlan(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan.RequiresApproval = true
	if _, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "risky", ActorID: "operator"}); err != nil {
		t.Fatalf("run mission: %v", err)
	}

	res, err := env.Engine.Approve(env.Ctx, "operator")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.MessageID == "" || messageCount(t, env) != 1 {
		t.Fatalf("approve should record exactly one message")
	}
	if _, ok := env.Engine.Hold(); ok {
		t.Fatalf("hold should be cleared")
	}
	if env.Engine.State() != domain.StateIdle {
		t.Fatalf("state = %s, want idle", env.Engine.State())
	}
	if len(env.Runner.commands) != 1 {
		t.Fatalf("held command should be dispatched exactly once")
	}
}

func TestCancelDiscardsHold(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan.RequiresApproval = true
	if _, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "risky", ActorID: "operator"}); err != nil {
		t.Fatalf("run mission: %v", err)
	}
	if err := env.Engine.Cancel(env.Ctx, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if messageCount(t, env) != 0 {
		t.Fatalf("cancel must not record a message")
	}
	if _, ok := env.Engine.Hold(); ok {
		t.Fatalf("hold should be cleared")
	}
	if env.Engine.State() != domain.StateIdle {
		t.Fatalf("state = %s, want idle", env.Engine.State())
	}
}

func TestPlanFailureLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.err = &planner.ParseError{Raw: `{"summary":"s"}`, Reason: "missing command"}
	_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "anything", ActorID: "operator"})
	var pe *planner.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if messageCount(t, env) != 0 {
		t.Fatalf("no message on plan failure")
	}
	if _, ok := env.Engine.Hold(); ok {
		t.Fatalf("no hold on plan failure")
	}
	if env.Engine.State() != domain.StateIdle {
		t.Fatalf("state must return to idle, got %s", env.Engine.State())
	}
	lines := env.Engine.Audit.Lines()
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "System standby.") {
		t.Fatalf("audit log missing failure line: %v", lines)
	}
}

func TestMissionWhileHoldOpenRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan.RequiresApproval = true
	if _, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "first", ActorID: "operator"}); err != nil {
		t.Fatalf("run mission: %v", err)
	}
	first, _ := env.Engine.Hold()

	_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "second", ActorID: "operator"})
	if !errors.Is(err, engine.ErrHoldOpen) {
		t.Fatalf("expected ErrHoldOpen, got %v", err)
	}
	after, ok := env.Engine.Hold()
	if !ok || after.Task != first.Task {
		t.Fatalf("existing hold must not be overwritten")
	}
}

func TestMissionWhilePlanningRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "slow", ActorID: "operator"})
		done <- err
	}()
	for env.Engine.State() != domain.StatePlanning {
		time.Sleep(time.Millisecond)
	}

	_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "eager", ActorID: "operator"})
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(env.Planner.block)
	if err := <-done; err != nil {
		t.Fatalf("first mission: %v", err)
	}
}

func TestExecutorFailureStillRecordsMessage(t *testing.T) {
	env := newTestEnv(t)
	env.Runner.outcome = domain.ExecutionOutcome{Status: domain.OutcomeCriticalError, Message: "bridge down"}
	res, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "Open browser", ActorID: "operator"})
	if err != nil {
		t.Fatalf("run mission: %v", err)
	}
	if res.Outcome == nil || res.Outcome.Status != domain.OutcomeCriticalError {
		t.Fatalf("outcome = %+v", res.Outcome)
	}
	if messageCount(t, env) != 1 {
		t.Fatalf("message must be recorded despite executor failure")
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, 1)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var record struct {
		Outcome *domain.ExecutionOutcome `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(msgs[0].Content), &record); err != nil {
		t.Fatalf("decode message content: %v", err)
	}
	if record.Outcome == nil || record.Outcome.Status != domain.OutcomeCriticalError {
		t.Fatalf("recorded outcome = %+v", record.Outcome)
	}
}

func TestHoldRolledBackWhenEventWriteFails(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan.RequiresApproval = true
	env.Engine.DB.Close()

	_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "risky", ActorID: "operator"})
	if err == nil {
		t.Fatalf("expected error when the hold event cannot be recorded")
	}
	if _, ok := env.Engine.Hold(); ok {
		t.Fatalf("hold must be rolled back with its failed event")
	}
	if env.Engine.State() != domain.StateIdle {
		t.Fatalf("state = %s, want idle", env.Engine.State())
	}
}

func TestApproveRestoresHoldWhenEventWriteFails(t *testing.T) {
	env := newTestEnv(t)
	env.Planner.plan.RequiresApproval = true
	if _, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "risky", ActorID: "operator"}); err != nil {
		t.Fatalf("run mission: %v", err)
	}
	env.Engine.DB.Close()

	if _, err := env.Engine.Approve(env.Ctx, "operator"); err == nil {
		t.Fatalf("expected error when the approval event cannot be recorded")
	}
	if _, ok := env.Engine.Hold(); !ok {
		t.Fatalf("held plan must not be lost on approval failure")
	}
	if env.Engine.State() != domain.StateAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", env.Engine.State())
	}
	if len(env.Runner.commands) != 0 {
		t.Fatalf("command must not dispatch when approval fails")
	}
}

func TestApproveWithoutHold(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Approve(env.Ctx, "operator"); !errors.Is(err, engine.ErrNoHold) {
		t.Fatalf("expected ErrNoHold, got %v", err)
	}
	if err := env.Engine.Cancel(env.Ctx, "operator"); !errors.Is(err, engine.ErrNoHold) {
		t.Fatalf("expected ErrNoHold, got %v", err)
	}
}

func TestUnknownCatalogTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{TaskID: "no_such_task", ActorID: "operator"})
	if !errors.Is(err, engine.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestDispatchEventRecorded(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunMission(env.Ctx, engine.MissionOptions{Prompt: "Open browser", ActorID: "operator"}); err != nil {
		t.Fatalf("run mission: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "mission.dispatched", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 dispatch event, got %d", len(evts))
	}
	if evts[0].ActorID != "operator" {
		t.Fatalf("actor = %q", evts[0].ActorID)
	}
}
