package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomctl/loom/pkg/engine"
)

// RunStatus represents the status of an orchestration pass.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the durable record of one apply or destroy pass.
type Run struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	Direction   engine.Direction `json:"direction"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunNode is the per-node result recorded for a run.
type RunNode struct {
	RunID        string              `json:"run_id"`
	NodeID       string              `json:"node_id"`
	Kind         engine.ResourceKind `json:"kind"`
	Status       engine.NodeStatus   `json:"status"`
	ErrorKind    *string             `json:"error_kind,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	RecordedAt   time.Time           `json:"recorded_at"`
}

// NodeState is a node's persisted observed state and outputs between passes.
type NodeState struct {
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Observed  string    `json:"observed"` // JSON blob
	Outputs   string    `json:"outputs"`  // JSON object of exported values
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredEvent is one persisted orchestration event.
type StoredEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    *string   `json:"node_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the persistence layer. It covers the engine's needs
// (StateStore, EventSink) plus the run history the CLI reports on.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Node state operations (engine.StateStore contract plus listing)
	LoadNodeState(ctx context.Context, nodeID string) (json.RawMessage, map[string]string, error)
	SaveNodeState(ctx context.Context, report engine.NodeReport) error
	DeleteNodeState(ctx context.Context, nodeID string) error
	ListNodeStates(ctx context.Context) ([]*NodeState, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, succeeded, failed int, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	RecordRunNodes(ctx context.Context, runID string, reports []engine.NodeReport) error
	ListRunNodes(ctx context.Context, runID string) ([]*RunNode, error)

	// Event operations (engine.EventSink contract plus querying)
	AppendEvent(ctx context.Context, event engine.Event) error
	GetEvents(ctx context.Context, runID *string, nodeID *string, limit, offset int) ([]*StoredEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
