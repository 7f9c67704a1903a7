// Package workflow implements the stateful graph executor that drives every
// pipeline: statically declared graphs of nodes scheduled on a cooperative
// worker pool with checkpointing, per-node retry, and cooperative
// cancellation. Each admitted job executes exactly one graph, selected by its
// kind; per-job state transitions are totally ordered.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
)

type (
	// State is the record threaded through a graph execution. The runtime
	// owns the identity fields and the step counter; Data carries the
	// kind-specific schema and is opaque to the runtime.
	State struct {
		// Fingerprint identifies the job; nodes combine it with Step to
		// derive idempotency tokens for external calls.
		Fingerprint string `json:"fingerprint"`
		// Tenant is the owning tenant.
		Tenant string `json:"tenant"`
		// SessionID is the submitting session when the kind is session-scoped.
		SessionID string `json:"session_id,omitempty"`
		// Step counts completed node executions. Monotonic per job.
		Step int `json:"step"`
		// Degraded is set when a node proceeded with reduced input quality.
		Degraded bool `json:"degraded,omitempty"`
		// Data is the kind-specific state schema.
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Node is one vertex of a pipeline graph. Run returns the name of the
	// next node, or "" to terminate; a terminating node may return the
	// Intervention the runtime persists and announces.
	//
	// Nodes marked Effectful have their pre-run state checkpointed, so they
	// must be idempotent with respect to observable external effects given
	// the same input state, or derive an idempotency token from
	// (State.Fingerprint, State.Step).
	Node struct {
		// Name identifies the node within its graph.
		Name string
		// Effectful marks nodes that perform external I/O. The runtime
		// checkpoints the pre-node state before running them.
		Effectful bool
		// Timeout bounds one attempt of the node. Zero inherits the job
		// deadline. Node timeouts must be strictly shorter than the outer
		// admission deadline; the runtime does not verify this.
		Timeout time.Duration
		// Retry is the per-node retry policy. The zero value disables
		// retries; transient faults then fail the job on first occurrence.
		Retry retry.Policy
		// Run executes the node against the job state.
		Run RunFunc
	}

	// RunFunc is the node body. It mutates st.Data in place and returns the
	// next node name. An empty next terminates the graph; the returned
	// Intervention, when non-nil, becomes the job's artifact.
	RunFunc func(ctx context.Context, st *State) (next string, iv *results.Intervention, err error)

	// Graph is a statically declared pipeline: a start node plus the set of
	// nodes reachable from it. Edges are the names nodes return.
	Graph struct {
		kind  job.Kind
		start string
		nodes map[string]Node
	}

	// Checkpoint is a persisted pre-node snapshot. A recovered job resumes
	// at Node with State equal to the snapshot.
	Checkpoint struct {
		Fingerprint string    `json:"fingerprint"`
		Kind        job.Kind  `json:"kind"`
		Node        string    `json:"node"`
		Step        int       `json:"step"`
		State       State     `json:"state"`
		SavedAt     time.Time `json:"saved_at"`
	}

	// Checkpointer persists pre-node snapshots keyed by fingerprint. One
	// checkpoint per job: saving overwrites, terminal states clear.
	Checkpointer interface {
		Save(ctx context.Context, cp Checkpoint) error
		Load(ctx context.Context, fingerprint string) (Checkpoint, bool, error)
		Clear(ctx context.Context, fingerprint string) error
	}
)

// NewGraph declares a pipeline graph. Every name a node can return must be
// registered; unknown transitions fail the job with an internal fault at run
// time.
func NewGraph(kind job.Kind, start string, nodes ...Node) (*Graph, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid graph kind %q", kind)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph %s has no nodes", kind)
	}
	g := &Graph{kind: kind, start: start, nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		if n.Name == "" || n.Run == nil {
			return nil, fmt.Errorf("graph %s: node requires a name and a run function", kind)
		}
		if _, dup := g.nodes[n.Name]; dup {
			return nil, fmt.Errorf("graph %s: node %q already declared", kind, n.Name)
		}
		g.nodes[n.Name] = n
	}
	if _, ok := g.nodes[start]; !ok {
		return nil, fmt.Errorf("graph %s: start node %q not declared", kind, start)
	}
	return g, nil
}

// Kind returns the job kind the graph executes.
func (g *Graph) Kind() job.Kind { return g.kind }

// SetData marshals v into the state's kind-specific data.
func (s *State) SetData(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state data: %w", err)
	}
	s.Data = b
	return nil
}

// GetData unmarshals the state's kind-specific data into v. An empty state
// leaves v untouched.
func (s *State) GetData(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("unmarshal state data: %w", err)
	}
	return nil
}

// IdempotencyToken derives the token for external calls made at the current
// step.
func (s *State) IdempotencyToken() string {
	return job.IdempotencyToken(s.Fingerprint, s.Step)
}
