package domain

// MissionState tracks the single in-flight mission through the pipeline.
type MissionState string

const (
	StateIdle             MissionState = "idle"
	StatePlanning         MissionState = "planning"
	StateAwaitingApproval MissionState = "awaiting_approval"
	StateDispatching      MissionState = "dispatching"
)

// Risk levels a plan may self-report.
const (
	RiskLow  = "low"
	RiskHigh = "high"
)

// ExecutionPlan is the structured result of plan generation.
// Summary and Command are always non-empty on success; Steps may be empty.
type ExecutionPlan struct {
	Summary          string   `json:"summary"`
	Steps            []string `json:"steps,omitempty"`
	Command          string   `json:"command"`
	Executor         string   `json:"executor,omitempty"`
	RiskLevel        string   `json:"risk_level" enum:"low,high"`
	RequiresApproval bool     `json:"requires_approval"`
}

// PendingHold is the single outstanding approval slot. At most one exists
// system-wide; it is destroyed only by an explicit approve or cancel.
type PendingHold struct {
	Task      string        `json:"task"`
	Plan      ExecutionPlan `json:"plan"`
	CreatedAt string        `json:"created_at" format:"date-time"`
}

// Message is the immutable record of a completed mission.
// History is ordered most recent first.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role" enum:"assistant"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ExecutionOutcome is the result reported by the local command executor.
type ExecutionOutcome struct {
	Status  string `json:"status" enum:"SUCCESS,ERROR,CRITICAL_ERROR"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	OutcomeSuccess       = "SUCCESS"
	OutcomeError         = "ERROR"
	OutcomeCriticalError = "CRITICAL_ERROR"
)

// Asset is an uploaded binary annotated (best effort) by the asset pipeline.
type Asset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MimeType    string   `json:"mime_type"`
	AltText     string   `json:"alt_text,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsAnalyzing bool     `json:"is_analyzing"`
	SizeBytes   int64    `json:"size_bytes"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	Content     []byte   `json:"-"`
}

// Event is one row of the durable mission event trail.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
