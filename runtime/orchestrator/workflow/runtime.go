package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
	"github.com/aura-dev/aura/telemetry"
)

type (
	// Options configures the Runtime.
	Options struct {
		// Workers is the worker pool size. Defaults to 8.
		Workers int
		// MaxInflight bounds jobs executing or queued across all tenants.
		// Defaults to 256.
		MaxInflight int
		// QueueDepth bounds jobs waiting for a worker. Defaults to MaxInflight.
		QueueDepth int
		// SubmitDeadline bounds how long Submit blocks when the queue is
		// full before failing the admission. Defaults to 2s.
		SubmitDeadline time.Duration
		// JobDeadline bounds one job from submission to terminal state;
		// expiry cancels the job. Node timeouts (times their retry budgets)
		// must be strictly shorter. Defaults to 5m.
		JobDeadline time.Duration
		// CancellationGrace is how long a cancelled node may keep its worker
		// before the slot is reclaimed. Defaults to 5s.
		CancellationGrace time.Duration
		// Checkpointer persists pre-node snapshots. Required.
		Checkpointer Checkpointer
		// Store receives terminal interventions. Required.
		Store results.Store
		// Bus receives state transitions and terminal artifacts. Required.
		Bus results.Bus
		// OnTerminal, when set, is invoked after a job reaches a terminal
		// state and its result is published. The gatekeeper uses it to
		// release the in-flight registry entry.
		OnTerminal func(ctx context.Context, j *job.Job)
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Runtime schedules pipeline graphs over a cooperative worker pool. It is
	// the only component that spawns long-lived workers.
	Runtime struct {
		opts   Options
		graphs map[job.Kind]*Graph

		queue chan *execution

		mu      sync.Mutex
		running map[string]*execution // by fingerprint
		closed  bool

		wg   sync.WaitGroup
		stop context.CancelFunc
	}

	// Handle tracks one submitted job to completion.
	Handle struct {
		fingerprint string
		done        chan struct{}

		mu  sync.Mutex
		iv  *results.Intervention
		st  job.State
		err error
	}

	execution struct {
		job    *job.Job
		handle *Handle
		cancel context.CancelFunc
		ctx    context.Context
	}
)

// New constructs a Runtime executing the given graphs. Graph kinds must be
// unique.
func New(opts Options, graphs ...*Graph) (*Runtime, error) {
	if opts.Checkpointer == nil {
		return nil, errors.New("checkpointer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("result store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("subscription bus is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 256
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = opts.MaxInflight
	}
	if opts.SubmitDeadline <= 0 {
		opts.SubmitDeadline = 2 * time.Second
	}
	if opts.JobDeadline <= 0 {
		opts.JobDeadline = 5 * time.Minute
	}
	if opts.CancellationGrace <= 0 {
		opts.CancellationGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	r := &Runtime{
		opts:    opts,
		graphs:  make(map[job.Kind]*Graph, len(graphs)),
		queue:   make(chan *execution, opts.QueueDepth),
		running: make(map[string]*execution),
	}
	for _, g := range graphs {
		if _, dup := r.graphs[g.kind]; dup {
			return nil, fmt.Errorf("graph %s already registered", g.kind)
		}
		r.graphs[g.kind] = g
	}
	return r, nil
}

// Start launches the worker pool. Workers run until Shutdown.
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stop = cancel
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
}

// Shutdown stops accepting jobs and waits for workers to drain, up to the
// context deadline.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.stop != nil {
		r.stop()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Submit enqueues a pending job for execution. When the bounded queue is full
// the call waits up to the submission deadline, after which admission fails
// with a quota fault. At most one execution per fingerprint runs at a time;
// a duplicate submit is an internal fault (the gatekeeper's in-flight
// registry must prevent it).
func (r *Runtime) Submit(ctx context.Context, j *job.Job) (*Handle, error) {
	if _, ok := r.graphs[j.Kind]; !ok {
		return nil, fault.Newf(fault.KindValidation, "no graph registered for kind %s", j.Kind)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fault.New(fault.KindCancelled, "runtime is shut down")
	}
	if _, dup := r.running[j.Fingerprint]; dup {
		r.mu.Unlock()
		return nil, fault.Internal(fmt.Errorf("fingerprint %s already executing", j.Fingerprint))
	}
	if len(r.running) >= r.opts.MaxInflight {
		r.mu.Unlock()
		return nil, fault.New(fault.KindQuota, "runtime at capacity")
	}
	h := &Handle{fingerprint: j.Fingerprint, done: make(chan struct{}), st: job.StatePending}
	// The job deadline is the outer bound on the whole execution, queue wait
	// included; expiry trips the cancellation flag like an explicit Cancel.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.JobDeadline)
	ex := &execution{job: j, handle: h, cancel: cancel, ctx: jobCtx}
	r.running[j.Fingerprint] = ex
	r.mu.Unlock()

	timer := time.NewTimer(r.opts.SubmitDeadline)
	defer timer.Stop()
	select {
	case r.queue <- ex:
		return h, nil
	case <-timer.C:
		r.release(j.Fingerprint)
		cancel()
		return nil, fault.New(fault.KindQuota, "submission queue full")
	case <-ctx.Done():
		r.release(j.Fingerprint)
		cancel()
		return nil, fault.Wrap(fault.KindCancelled, "submission abandoned", ctx.Err())
	}
}

// Cancel requests cooperative cancellation of the job with the given
// fingerprint. Returns false when no such job is in flight.
func (r *Runtime) Cancel(fingerprint string) bool {
	r.mu.Lock()
	ex, ok := r.running[fingerprint]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// Inflight reports the number of jobs executing or queued.
func (r *Runtime) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runtime) release(fingerprint string) {
	r.mu.Lock()
	delete(r.running, fingerprint)
	r.mu.Unlock()
}

func (r *Runtime) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ex := <-r.queue:
			r.execute(ctx, ex)
		}
	}
}

// execute drives one job through its graph. The job is pinned to this worker:
// state transitions are totally ordered because no other goroutine touches
// the execution.
func (r *Runtime) execute(workerCtx context.Context, ex *execution) {
	j := ex.job
	g := r.graphs[j.Kind]

	st := State{
		Fingerprint: j.Fingerprint,
		Tenant:      j.Tenant,
		SessionID:   j.SessionID,
		Data:        j.Payload,
	}
	node := g.start

	// Crash recovery: resume at the last checkpointed step, re-entering the
	// node that was in flight.
	if cp, ok, err := r.opts.Checkpointer.Load(workerCtx, j.Fingerprint); err == nil && ok {
		st = cp.State
		node = cp.Node
		j.CheckpointStep = cp.Step
		r.opts.Metrics.IncCounter(telemetry.CounterCheckpointResumes, 1, "kind", string(j.Kind))
		r.opts.Logger.Info(workerCtx, "resuming from checkpoint",
			"fingerprint", j.Fingerprint, "node", node, "step", cp.Step)
	}

	r.transition(workerCtx, ex, job.StateRunning, nil)

	var terminalIV *results.Intervention
	var termErr error
	for node != "" {
		n, ok := g.nodes[node]
		if !ok {
			termErr = fault.Internal(fmt.Errorf("graph %s: transition to undeclared node %q", g.kind, node))
			break
		}
		if err := ex.ctx.Err(); err != nil {
			termErr = fault.Wrap(fault.KindCancelled, "job cancelled", err)
			break
		}
		if n.Effectful {
			cp := Checkpoint{
				Fingerprint: j.Fingerprint,
				Kind:        j.Kind,
				Node:        node,
				Step:        st.Step,
				State:       st,
				SavedAt:     time.Now().UTC(),
			}
			if err := r.opts.Checkpointer.Save(ex.ctx, cp); err != nil {
				termErr = fault.Wrap(fault.KindTransient, "checkpoint save", err)
				break
			}
			j.CheckpointStep = st.Step
		}
		next, iv, err := r.runNode(ex, n, &st)
		if err != nil {
			termErr = err
			break
		}
		st.Step++
		if next == "" {
			terminalIV = iv
			break
		}
		node = next
	}

	r.finish(workerCtx, ex, terminalIV, termErr)
}

// runNode executes one node with its retry policy. Only transient faults
// re-enter; the cancellation flag is re-checked before every attempt and the
// grace period bounds how long a cancelled node keeps its worker.
func (r *Runtime) runNode(ex *execution, n Node, st *State) (string, *results.Intervention, error) {
	p := n.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ex.ctx.Err(); err != nil {
			return "", nil, fault.Wrap(fault.KindCancelled, "job cancelled", err)
		}
		ex.job.Attempts = attempt + 1
		next, iv, err := r.attemptNode(ex, n, st)
		if err == nil {
			return next, iv, nil
		}
		if !fault.Retryable(err) {
			return "", nil, err
		}
		lastErr = err
		if attempt+1 >= p.MaxAttempts {
			break
		}
		select {
		case <-ex.ctx.Done():
			return "", nil, fault.Wrap(fault.KindCancelled, "job cancelled during backoff", ex.ctx.Err())
		case <-time.After(retry.Backoff(p, attempt)):
		}
	}
	return "", nil, fault.Wrap(fault.KindTransient,
		fmt.Sprintf("node %s exhausted %d attempts", n.Name, p.MaxAttempts), lastErr)
}

// attemptNode runs one attempt on a goroutine so the worker can enforce the
// cancellation grace. An abandoned attempt finishes in the background; its
// result is discarded.
func (r *Runtime) attemptNode(ex *execution, n Node, st *State) (string, *results.Intervention, error) {
	attemptCtx := ex.ctx
	var cancel context.CancelFunc
	if n.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ex.ctx, n.Timeout)
		defer cancel()
	}

	type outcome struct {
		next string
		iv   *results.Intervention
		err  error
	}
	// Nodes mutate a copy so an abandoned attempt cannot race a retry.
	attemptState := *st
	done := make(chan outcome, 1)
	go func() {
		next, iv, err := n.Run(attemptCtx, &attemptState)
		done <- outcome{next: next, iv: iv, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			*st = attemptState
		}
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ex.ctx.Err() == nil {
			return "", nil, fault.Wrap(fault.KindTransient, "node timeout", out.err)
		}
		return out.next, out.iv, out.err
	case <-ex.ctx.Done():
		grace := time.NewTimer(r.opts.CancellationGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			// Worker reclaimed; the node goroutine is abandoned.
		}
		return "", nil, fault.Wrap(fault.KindCancelled, "job cancelled", ex.ctx.Err())
	}
}

func (r *Runtime) finish(ctx context.Context, ex *execution, iv *results.Intervention, termErr error) {
	j := ex.job
	state := job.StateSucceeded
	if termErr != nil {
		if fault.KindOf(termErr) == fault.KindCancelled {
			state = job.StateCancelled
			r.opts.Metrics.IncCounter(telemetry.CounterJobsCancelled, 1, "kind", string(j.Kind))
		} else {
			state = job.StateFailed
			r.opts.Logger.Error(ctx, "job failed",
				"fingerprint", j.Fingerprint, "kind", string(j.Kind), "err", termErr.Error())
		}
	}

	if iv != nil {
		if err := r.opts.Store.Put(ctx, *iv); err != nil {
			r.opts.Logger.Error(ctx, "result store put failed",
				"fingerprint", j.Fingerprint, "err", err.Error())
			state = job.StateFailed
			termErr = fault.Wrap(fault.KindTransient, "persist intervention", err)
			iv = nil
		}
	}

	if err := r.opts.Checkpointer.Clear(ctx, j.Fingerprint); err != nil {
		r.opts.Logger.Warn(ctx, "checkpoint clear failed", "fingerprint", j.Fingerprint, "err", err.Error())
	}

	ex.handle.mu.Lock()
	ex.handle.st = state
	ex.handle.iv = iv
	ex.handle.err = termErr
	ex.handle.mu.Unlock()

	r.transition(ctx, ex, state, iv)
	r.release(j.Fingerprint)
	ex.cancel()
	close(ex.handle.done)

	if r.opts.OnTerminal != nil && state.Terminal() {
		r.opts.OnTerminal(ctx, j)
	}
}

func (r *Runtime) transition(ctx context.Context, ex *execution, state job.State, iv *results.Intervention) {
	ex.job.State = state
	update := results.StateUpdate{
		Fingerprint:  ex.job.Fingerprint,
		State:        string(state),
		Intervention: iv,
	}
	if err := r.opts.Bus.Publish(ctx, update); err != nil {
		r.opts.Logger.Warn(ctx, "bus publish failed",
			"fingerprint", ex.job.Fingerprint, "state", string(state), "err", err.Error())
	}
}

// Wait blocks until the job reaches a terminal state or the context expires.
func (h *Handle) Wait(ctx context.Context) (*results.Intervention, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.iv, h.err
	}
}

// State returns the last observed job state.
func (h *Handle) State() job.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

// Fingerprint identifies the job the handle tracks.
func (h *Handle) Fingerprint() string { return h.fingerprint }
