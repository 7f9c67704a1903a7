// Package gatekeeper admits operations into the orchestrator: it validates
// and normalizes payloads, computes the deduplicating fingerprint, coalesces
// duplicate submissions onto in-flight or recently finished jobs, enforces
// per-tenant quotas, and hands admitted jobs to the workflow runtime.
package gatekeeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/config"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/retry"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
	"github.com/aura-dev/aura/session"
	"github.com/aura-dev/aura/telemetry"
)

type (
	// Options configures the Gatekeeper.
	Options struct {
		// Config supplies quota profiles, bounds, and the coalescence TTL.
		Config config.Config
		// Runtime executes admitted jobs. Required.
		Runtime *workflow.Runtime
		// Results serves coalescence from recently finished jobs. Required.
		Results results.Store
		// Bus attaches coalesced callers to in-flight jobs. Required.
		Bus results.Bus
		// Buckets is the quota authority. Required.
		Buckets session.Buckets
		// Registry is the in-flight index. Required.
		Registry session.Registry
		// Sessions authenticates submitting sessions. Required.
		Sessions session.Store
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Gatekeeper is the admission authority. Admission is fail-closed: an
	// undeterminable quota check denies.
	Gatekeeper struct {
		cfg      config.Config
		runtime  *workflow.Runtime
		results  results.Store
		bus      results.Bus
		buckets  session.Buckets
		registry session.Registry
		sessions session.Store
		schemas  map[job.Kind]*jsonschema.Schema
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Request is one admission attempt.
	Request struct {
		Tenant string
		Kind   job.Kind
		// SessionID scopes session-bound kinds (struggle).
		SessionID string
		Payload   []byte
		// IdempotencyKey is the optional client-supplied key folded into the
		// fingerprint.
		IdempotencyKey string
	}

	// Status is the admission outcome class.
	Status string

	// Admission is the outcome of one Admit call. Denials are values, not
	// errors: only malformed or unauthenticated requests error.
	Admission struct {
		Fingerprint string
		Status      Status
		// Reason is set on denials: rate_limited, quota_exhausted, or
		// backend_unavailable.
		Reason string
		// RetryAfter hints when a rate-limited caller may retry.
		RetryAfter time.Duration
		// Intervention is set when the submission coalesced onto a finished
		// result.
		Intervention *results.Intervention
		// Updates is set when the submission coalesced onto an in-flight job;
		// CancelUpdates releases the subscription.
		Updates       <-chan results.StateUpdate
		CancelUpdates context.CancelFunc
		// Handle tracks the job when the admission was new.
		Handle *workflow.Handle
	}
)

const (
	StatusNew       Status = "new"
	StatusCoalesced Status = "coalesced"
	StatusDenied    Status = "denied"
)

// Denial reasons.
const (
	ReasonRateLimited        = "rate_limited"
	ReasonQuotaExhausted     = "quota_exhausted"
	ReasonBackendUnavailable = "backend_unavailable"
)

// inflightTTL bounds how long a registry entry can outlive its job when the
// terminal release is lost (process crash between submit and finish).
const inflightTTL = time.Hour

// storePolicy bounds the jittered retries around quota-store round-trips.
var storePolicy = retry.Policy{
	MaxAttempts: 3,
	Base:        50 * time.Millisecond,
	Cap:         500 * time.Millisecond,
	Jitter:      0.5,
}

// New constructs a Gatekeeper.
func New(opts Options) (*Gatekeeper, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Results == nil {
		return nil, errors.New("result store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("subscription bus is required")
	}
	if opts.Buckets == nil {
		return nil, errors.New("bucket store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("in-flight registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Gatekeeper{
		cfg:      opts.Config,
		runtime:  opts.Runtime,
		results:  opts.Results,
		bus:      opts.Bus,
		buckets:  opts.Buckets,
		registry: opts.Registry,
		sessions: opts.Sessions,
		schemas:  schemas,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}, nil
}

// Admit validates, fingerprints, and admits one operation. Repeated
// submissions within the coalescence TTL yield the same fingerprint and at
// most one execution.
func (g *Gatekeeper) Admit(ctx context.Context, req Request) (Admission, error) {
	if req.Tenant == "" {
		return Admission{}, fault.New(fault.KindValidation, "tenant is required")
	}
	if !req.Kind.Valid() {
		return Admission{}, fault.Newf(fault.KindValidation, "unknown kind %q", req.Kind)
	}
	if err := g.authenticate(ctx, req); err != nil {
		return Admission{}, err
	}
	if err := g.validatePayload(req.Kind, req.Payload); err != nil {
		return Admission{}, err
	}
	normalized, err := g.normalize(req.Kind, req.Payload)
	if err != nil {
		return Admission{}, err
	}
	fp := job.Fingerprint(req.Tenant, req.Kind, normalized, req.IdempotencyKey)

	// Recently finished job with the same fingerprint satisfies the
	// submission outright.
	if iv, ok, err := g.results.Get(ctx, fp); err == nil && ok {
		if g.now().Sub(iv.ProducedAt) <= g.cfg.CoalescenceTTL() {
			g.metrics.IncCounter(telemetry.CounterAdmissionsCoalesced, 1, "tenant", req.Tenant, "kind", string(req.Kind))
			return Admission{Fingerprint: fp, Status: StatusCoalesced, Intervention: &iv}, nil
		}
	}

	// The registry acquire is atomic: it observes an in-flight job, creates
	// the entry, or reports the tenant at its bound, in one round trip.
	jobID := uuid.NewString()
	var acq session.Acquisition
	var holder string
	err = retry.Do(ctx, storePolicy, func(ctx context.Context) error {
		var aerr error
		acq, holder, aerr = g.registry.Acquire(ctx, fp, req.Tenant, jobID,
			g.cfg.MaxInflightPerTenant, inflightTTL)
		return aerr
	})
	if err != nil {
		return g.deny(req, fp, ReasonBackendUnavailable, 0), nil
	}

	switch acq {
	case session.AcquisitionExists:
		g.metrics.IncCounter(telemetry.CounterAdmissionsCoalesced, 1, "tenant", req.Tenant, "kind", string(req.Kind))
		ch, cancel, serr := g.bus.Subscribe(ctx, fp)
		if serr != nil {
			g.logger.Warn(ctx, "coalesced subscribe failed", "fingerprint", fp, "job_id", holder, "err", serr.Error())
			return Admission{Fingerprint: fp, Status: StatusCoalesced}, nil
		}
		// The holder can finish or roll back between the acquire and the
		// subscribe; re-check both stores so the caller never waits on a
		// stream no terminal update will reach.
		if iv, ok, rerr := g.results.Get(ctx, fp); rerr == nil && ok &&
			g.now().Sub(iv.ProducedAt) <= g.cfg.CoalescenceTTL() {
			cancel()
			return Admission{Fingerprint: fp, Status: StatusCoalesced, Intervention: &iv}, nil
		}
		reacq, _, rerr := g.registry.Acquire(ctx, fp, req.Tenant, jobID,
			g.cfg.MaxInflightPerTenant, inflightTTL)
		if rerr == nil && reacq == session.AcquisitionCreated {
			// The holder rolled back its entry; this caller owns the
			// fingerprint now and proceeds as a fresh admission.
			cancel()
			break
		}
		return Admission{Fingerprint: fp, Status: StatusCoalesced, Updates: ch, CancelUpdates: cancel}, nil
	case session.AcquisitionOverLimit:
		return g.deny(req, fp, ReasonQuotaExhausted, 0), nil
	}

	// Entry created; everything past this point must release it on failure.
	quota := g.cfg.QuotaFor(req.Tenant)
	var decision session.Decision
	err = retry.Do(ctx, storePolicy, func(ctx context.Context) error {
		var terr error
		decision, terr = g.buckets.Take(ctx, req.Tenant, string(req.Kind),
			session.Bucket{Capacity: quota.Capacity, RefillRate: quota.RefillRate})
		return terr
	})
	if err != nil {
		g.releaseQuiet(ctx, fp)
		return g.deny(req, fp, ReasonBackendUnavailable, 0), nil
	}
	if !decision.Allowed {
		g.releaseQuiet(ctx, fp)
		return g.deny(req, fp, ReasonRateLimited, decision.RetryAfter), nil
	}

	j := &job.Job{
		Fingerprint:    fp,
		Tenant:         req.Tenant,
		Kind:           req.Kind,
		SessionID:      req.SessionID,
		Payload:        normalized,
		SubmittedAt:    g.now().UTC(),
		State:          job.StatePending,
		CheckpointStep: -1,
	}
	h, err := g.runtime.Submit(ctx, j)
	if err != nil {
		g.releaseQuiet(ctx, fp)
		if fault.KindOf(err) == fault.KindQuota {
			return g.deny(req, fp, ReasonQuotaExhausted, 0), nil
		}
		return Admission{}, err
	}
	return Admission{Fingerprint: fp, Status: StatusNew, Handle: h}, nil
}

// authenticate verifies the submitting session before any work is done on the
// payload. Session-bound kinds require a session; any supplied session must
// exist, belong to the tenant, and be unexpired.
func (g *Gatekeeper) authenticate(ctx context.Context, req Request) error {
	if req.SessionID == "" {
		if req.Kind == job.KindStruggle {
			return fault.New(fault.KindAuthz, "session is required")
		}
		return nil
	}
	var sess session.Session
	var ok bool
	err := retry.Do(ctx, storePolicy, func(ctx context.Context) error {
		var gerr error
		sess, ok, gerr = g.sessions.Get(ctx, req.SessionID)
		return gerr
	})
	if err != nil {
		return fault.Wrap(fault.KindTransient, "verify session", err)
	}
	if !ok {
		return fault.Newf(fault.KindAuthz, "unknown session %s", req.SessionID)
	}
	if sess.Tenant != req.Tenant {
		return fault.New(fault.KindAuthz, "session does not belong to tenant")
	}
	if !sess.ExpiresAt.IsZero() && g.now().After(sess.ExpiresAt) {
		return fault.New(fault.KindAuthz, "session expired")
	}
	return nil
}

// OnTerminal returns the hook the workflow runtime calls after a job reaches
// a terminal state; it releases the in-flight registry entry.
func (g *Gatekeeper) OnTerminal() func(ctx context.Context, j *job.Job) {
	return func(ctx context.Context, j *job.Job) {
		g.releaseQuiet(ctx, j.Fingerprint)
	}
}

// Cancel requests cancellation of the in-flight job with the fingerprint.
func (g *Gatekeeper) Cancel(fingerprint string) bool {
	return g.runtime.Cancel(fingerprint)
}

func (g *Gatekeeper) deny(req Request, fp, reason string, retryAfter time.Duration) Admission {
	g.metrics.IncCounter(telemetry.CounterAdmissionsDenied, 1,
		"tenant", req.Tenant, "kind", string(req.Kind), "reason", reason)
	return Admission{Fingerprint: fp, Status: StatusDenied, Reason: reason, RetryAfter: retryAfter}
}

func (g *Gatekeeper) releaseQuiet(ctx context.Context, fp string) {
	if err := g.registry.Release(ctx, fp); err != nil {
		g.logger.Warn(ctx, "in-flight release failed", "fingerprint", fp, "err", err.Error())
	}
}
