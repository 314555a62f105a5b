package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commandcore/internal/audit"
	"commandcore/internal/config"
	"commandcore/internal/domain"
	"commandcore/internal/events"
	"commandcore/internal/planner"
	"commandcore/internal/repo"
)

var (
	// ErrBusy means a mission is already planning or dispatching.
	ErrBusy = errors.New("a mission is already in flight")
	// ErrHoldOpen means a mission arrived while an approval hold is outstanding.
	ErrHoldOpen = errors.New("an approval hold is open; approve or cancel it first")
	// ErrNoHold means approve/cancel was called with no outstanding hold.
	ErrNoHold = errors.New("no approval hold is open")
	// ErrUnknownTask means the task id is not in the catalog.
	ErrUnknownTask = errors.New("unknown catalog task")
	// ErrNoPlanner means no planning backend is configured.
	ErrNoPlanner = errors.New("planner not configured; set the Gemini API key")
)

// Runner dispatches one command and reports its outcome.
type Runner interface {
	Run(ctx context.Context, command string) domain.ExecutionOutcome
}

// Engine owns the mission state machine and the single hold slot.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Audit    *audit.Log
	Planner  planner.Planner
	Executor Runner
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time

	mu    sync.Mutex
	state domain.MissionState
	hold  *domain.PendingHold
}

func New(db *sql.DB, cfg *config.Config, p planner.Planner, exec Runner, auditLog *audit.Log, logger *zap.Logger) *Engine {
	if auditLog == nil {
		auditLog = audit.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Audit:    auditLog,
		Planner:  p,
		Executor: exec,
		Config:   cfg,
		Log:      logger,
		Now:      time.Now,
		state:    domain.StateIdle,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// State reports the current mission state.
func (e *Engine) State() domain.MissionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Hold returns a copy of the outstanding hold, if any.
func (e *Engine) Hold() (domain.PendingHold, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hold == nil {
		return domain.PendingHold{}, false
	}
	return *e.hold, true
}

// MissionOptions describe one intent intake.
type MissionOptions struct {
	TaskID  string
	Prompt  string
	AssetID string
	ActorID string
}

// MissionResult is the terminal outcome of RunMission or Approve.
type MissionResult struct {
	Held      bool                     `json:"held"`
	Hold      *domain.PendingHold      `json:"hold,omitempty"`
	Plan      domain.ExecutionPlan     `json:"plan"`
	Outcome   *domain.ExecutionOutcome `json:"outcome,omitempty"`
	MessageID string                   `json:"message_id,omitempty"`
}

// RunMission drives one mission through planning, the risk gate and,
// unless held, dispatch. At most one mission is in flight at a time.
func (e *Engine) RunMission(ctx context.Context, opts MissionOptions) (MissionResult, error) {
	if e.Planner == nil {
		return MissionResult{}, ErrNoPlanner
	}

	label, task, err := e.resolveIntent(opts)
	if err != nil {
		return MissionResult{}, err
	}

	e.mu.Lock()
	if e.hold != nil {
		e.mu.Unlock()
		e.Audit.Appendf("SECURITY: Hold conflict. Mission %q discarded.", label)
		return MissionResult{}, ErrHoldOpen
	}
	if e.state != domain.StateIdle {
		e.mu.Unlock()
		return MissionResult{}, ErrBusy
	}
	e.state = domain.StatePlanning
	e.mu.Unlock()

	res, err := e.planAndGate(ctx, label, task, opts)
	if err != nil {
		e.setState(domain.StateIdle)
		return MissionResult{}, err
	}
	return res, nil
}

func (e *Engine) planAndGate(ctx context.Context, label string, task config.CatalogTask, opts MissionOptions) (MissionResult, error) {
	e.Audit.Appendf("SCANNING: Initiating sequence for: %s", label)

	att, err := e.loadAttachment(ctx, opts.AssetID)
	if err != nil {
		e.Audit.Append("ERROR: Optimization bridge failure. System standby.")
		return MissionResult{}, err
	}

	plan, err := e.Planner.GeneratePlan(ctx, label, att)
	if err != nil {
		e.Log.Warn("plan generation failed", zap.String("task", label), zap.Error(err))
		e.Audit.Append("ERROR: Optimization bridge failure. System standby.")
		return MissionResult{}, err
	}
	if plan.Executor == "" {
		plan.Executor = task.Executor
	}
	if plan.Executor == "" {
		plan.Executor = "cmd"
	}

	if needsApproval(plan, task) {
		hold := domain.PendingHold{
			Task:      label,
			Plan:      plan,
			CreatedAt: e.now().UTC().Format(time.RFC3339),
		}
		e.mu.Lock()
		e.hold = &hold
		e.state = domain.StateAwaitingApproval
		e.mu.Unlock()

		e.Audit.Append("SECURITY: High-risk maintenance detected. Admin approval required.")
		if err := e.appendEvent(ctx, "mission.held", "mission", "", opts.ActorID, events.EventPayload{
			"task":     label,
			"command":  plan.Command,
			"executor": plan.Executor,
			"risk":     plan.RiskLevel,
		}); err != nil {
			// an unrecorded hold must not stay open
			e.mu.Lock()
			e.hold = nil
			e.mu.Unlock()
			return MissionResult{}, err
		}
		return MissionResult{Held: true, Hold: &hold, Plan: plan}, nil
	}

	return e.dispatch(ctx, label, plan, opts.ActorID)
}

// needsApproval is the risk gate. Rules apply in order, first hit wins.
func needsApproval(plan domain.ExecutionPlan, task config.CatalogTask) bool {
	if plan.RequiresApproval {
		return true
	}
	if plan.RiskLevel == domain.RiskHigh {
		return true
	}
	return task.Sensitive
}

// Approve dispatches the held plan and clears the hold.
func (e *Engine) Approve(ctx context.Context, actorID string) (MissionResult, error) {
	e.mu.Lock()
	if e.hold == nil {
		e.mu.Unlock()
		return MissionResult{}, ErrNoHold
	}
	hold := *e.hold
	e.hold = nil
	e.mu.Unlock()

	if err := e.appendEvent(ctx, "mission.approved", "mission", "", actorID, events.EventPayload{
		"task":    hold.Task,
		"command": hold.Plan.Command,
	}); err != nil {
		// put the hold back so the plan can still be approved or cancelled
		e.mu.Lock()
		e.hold = &hold
		e.mu.Unlock()
		return MissionResult{}, err
	}

	res, err := e.dispatch(ctx, hold.Task, hold.Plan, actorID)
	if err != nil {
		e.setState(domain.StateIdle)
		return MissionResult{}, err
	}
	return res, nil
}

// Cancel discards the held plan. No message is recorded.
func (e *Engine) Cancel(ctx context.Context, actorID string) error {
	e.mu.Lock()
	if e.hold == nil {
		e.mu.Unlock()
		return ErrNoHold
	}
	hold := *e.hold
	e.hold = nil
	e.state = domain.StateIdle
	e.mu.Unlock()

	e.Audit.Append("SECURITY: Mission cancelled. Hold released.")
	return e.appendEvent(ctx, "mission.cancelled", "mission", "", actorID, events.EventPayload{
		"task": hold.Task,
	})
}

// dispatch records the mission as a message and, when a bridge is
// configured, runs the command. Executor failure still records the
// message; only the outcome is marked failed.
func (e *Engine) dispatch(ctx context.Context, label string, plan domain.ExecutionPlan, actorID string) (MissionResult, error) {
	e.setState(domain.StateDispatching)
	defer e.setState(domain.StateIdle)

	var outcome *domain.ExecutionOutcome
	if e.Executor != nil {
		out := e.Executor.Run(ctx, plan.Command)
		if out.Status == domain.OutcomeSuccess && out.Output == "" {
			out.Output = "Command executed successfully with no output."
		}
		outcome = &out
	}

	content, err := json.Marshal(struct {
		Task    string                   `json:"task"`
		Plan    domain.ExecutionPlan     `json:"plan"`
		Outcome *domain.ExecutionOutcome `json:"outcome,omitempty"`
	}{Task: label, Plan: plan, Outcome: outcome})
	if err != nil {
		return MissionResult{}, fmt.Errorf("marshal mission record: %w", err)
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   string(content),
		Type:      "code",
		Model:     plan.Executor,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MissionResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
		return MissionResult{}, fmt.Errorf("insert message: %w", err)
	}
	payload := events.EventPayload{
		"task":     label,
		"command":  plan.Command,
		"executor": plan.Executor,
	}
	if outcome != nil {
		payload["status"] = outcome.Status
	}
	if err := e.Events.Append(ctx, tx, "mission.dispatched", "message", msg.ID, actorID, payload); err != nil {
		return MissionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MissionResult{}, err
	}

	if outcome != nil && outcome.Status != domain.OutcomeSuccess {
		e.Audit.Append("ERROR: Optimization bridge failure. System standby.")
	} else {
		e.Audit.Appendf("SUCCESS: System optimization via %s deployed.", plan.Executor)
	}
	e.Log.Info("mission dispatched",
		zap.String("task", label),
		zap.String("executor", plan.Executor),
		zap.String("message_id", msg.ID))

	return MissionResult{Plan: plan, Outcome: outcome, MessageID: msg.ID}, nil
}

func (e *Engine) resolveIntent(opts MissionOptions) (string, config.CatalogTask, error) {
	if opts.TaskID != "" {
		if e.Config == nil {
			return "", config.CatalogTask{}, errors.New("config not loaded")
		}
		task, ok := e.Config.FindTask(opts.TaskID)
		if !ok {
			return "", config.CatalogTask{}, fmt.Errorf("%w: %s", ErrUnknownTask, opts.TaskID)
		}
		label := task.Label
		if opts.Prompt != "" {
			label = task.Label + ": " + opts.Prompt
		}
		return label, task, nil
	}
	if opts.Prompt == "" {
		return "", config.CatalogTask{}, errors.New("a task id or a prompt is required")
	}
	return opts.Prompt, config.CatalogTask{}, nil
}

func (e *Engine) loadAttachment(ctx context.Context, assetID string) (*planner.Attachment, error) {
	if assetID == "" {
		return nil, nil
	}
	asset, err := e.Repo.GetAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", assetID, err)
	}
	return &planner.Attachment{Data: asset.Content, MimeType: asset.MimeType}, nil
}

func (e *Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) setState(s domain.MissionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
