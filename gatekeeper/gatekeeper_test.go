package gatekeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/config"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
	"github.com/aura-dev/aura/session"
)

// callLog records the order of quota-store round trips so tests can assert
// the registry acquire always precedes the bucket take.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRegistry struct {
	mu        sync.Mutex
	held      map[string]string
	force     *session.Acquisition
	forceOnce bool
	holder    string
	err       error
	log       *callLog
	releases  int
}

func newFakeRegistry(log *callLog) *fakeRegistry {
	return &fakeRegistry{held: make(map[string]string), log: log}
}

func (r *fakeRegistry) Acquire(_ context.Context, fp, _, jobID string, _ int, _ time.Duration) (session.Acquisition, string, error) {
	r.log.add("acquire")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, "", r.err
	}
	if r.force != nil {
		acq := *r.force
		if r.forceOnce {
			r.force = nil
		}
		return acq, r.holder, nil
	}
	if existing, ok := r.held[fp]; ok {
		return session.AcquisitionExists, existing, nil
	}
	r.held[fp] = jobID
	return session.AcquisitionCreated, jobID, nil
}

func (r *fakeRegistry) Release(_ context.Context, fp string) error {
	r.log.add("release")
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, fp)
	r.releases++
	return nil
}

func (r *fakeRegistry) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

type fakeBuckets struct {
	mu       sync.Mutex
	decision session.Decision
	err      error
	log      *callLog
}

func (b *fakeBuckets) Take(context.Context, string, string, session.Bucket) (session.Decision, error) {
	b.log.add("take")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return session.Decision{}, b.err
	}
	return b.decision, nil
}

type fakeSessions struct {
	mu   sync.Mutex
	byID map[string]session.Session
	err  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: make(map[string]session.Session)}
}

func (s *fakeSessions) put(sess session.Session) {
	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()
}

func (s *fakeSessions) Create(_ context.Context, tenant, userLevel string, ttl time.Duration) (session.Session, session.TokenPair, error) {
	sess := session.Session{
		ID:        "sess-" + tenant,
		Tenant:    tenant,
		UserLevel: userLevel,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	s.put(sess)
	return sess, session.TokenPair{}, nil
}

func (s *fakeSessions) Rotate(context.Context, string) (session.Session, session.TokenPair, error) {
	return session.Session{}, session.TokenPair{}, errors.New("not implemented")
}

func (s *fakeSessions) Get(_ context.Context, id string) (session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return session.Session{}, false, s.err
	}
	sess, ok := s.byID[id]
	return sess, ok, nil
}

func (s *fakeSessions) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	return nil
}

type gateEnv struct {
	gk       *Gatekeeper
	rt       *workflow.Runtime
	store    results.Store
	registry *fakeRegistry
	buckets  *fakeBuckets
	sessions *fakeSessions
	log      *callLog
}

func newGate(t *testing.T) *gateEnv {
	t.Helper()
	log := &callLog{}
	env := &gateEnv{
		store:    results.NewInmemStore(time.Hour),
		registry: newFakeRegistry(log),
		buckets:  &fakeBuckets{decision: session.Decision{Allowed: true, Remaining: 4}, log: log},
		sessions: newFakeSessions(),
		log:      log,
	}

	g, err := workflow.NewGraph(job.KindLesson, "only",
		workflow.Node{Name: "only", Run: func(_ context.Context, st *workflow.State) (string, *results.Intervention, error) {
			iv := &results.Intervention{
				Fingerprint: st.Fingerprint,
				Tenant:      st.Tenant,
				Kind:        results.KindLesson,
				Body:        "done",
				ProducedAt:  time.Now().UTC(),
			}
			return "", iv, nil
		}},
	)
	require.NoError(t, err)

	// The terminal hook is the gatekeeper's own, bound after construction.
	rt, err := workflow.New(workflow.Options{
		Workers:      1,
		Checkpointer: workflow.NewInmemCheckpointer(),
		Store:        env.store,
		Bus:          results.NewInmemBus(),
		OnTerminal: func(ctx context.Context, j *job.Job) {
			env.gk.OnTerminal()(ctx, j)
		},
	}, g)
	require.NoError(t, err)
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Shutdown(context.Background()) }) //nolint:errcheck
	env.rt = rt

	env.gk, err = New(Options{
		Config:   config.Default(),
		Runtime:  rt,
		Results:  env.store,
		Bus:      results.NewInmemBus(),
		Buckets:  env.buckets,
		Registry: env.registry,
		Sessions: env.sessions,
	})
	require.NoError(t, err)
	return env
}

func lessonRequest(query string) Request {
	return Request{
		Tenant:  "acme",
		Kind:    job.KindLesson,
		Payload: []byte(`{"query":"` + query + `"}`),
	}
}

func TestAdmitRejectsMalformedRequests(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	_, err := env.gk.Admit(ctx, Request{Kind: job.KindLesson, Payload: []byte(`{"query":"q"}`)})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = env.gk.Admit(ctx, Request{Tenant: "acme", Kind: job.Kind("bogus")})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = env.gk.Admit(ctx, Request{Tenant: "acme", Kind: job.KindLesson, Payload: []byte(`{}`)})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = env.gk.Admit(ctx, Request{Tenant: "acme", Kind: job.KindLesson, Payload: []byte("not json")})
	require.Error(t, err)
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestAdmitRejectsUnknownSession(t *testing.T) {
	env := newGate(t)

	req := lessonRequest("who goes there")
	req.SessionID = "no-such-session"
	_, err := env.gk.Admit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestAdmitRejectsCrossTenantSession(t *testing.T) {
	env := newGate(t)
	env.sessions.put(session.Session{
		ID:        "sess-1",
		Tenant:    "globex",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	req := lessonRequest("not yours")
	req.SessionID = "sess-1"
	_, err := env.gk.Admit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestAdmitRejectsExpiredSession(t *testing.T) {
	env := newGate(t)
	env.sessions.put(session.Session{
		ID:        "sess-2",
		Tenant:    "acme",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})

	req := lessonRequest("too late")
	req.SessionID = "sess-2"
	_, err := env.gk.Admit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestAdmitRequiresSessionForStruggle(t *testing.T) {
	env := newGate(t)

	_, err := env.gk.Admit(context.Background(), Request{
		Tenant:  "acme",
		Kind:    job.KindStruggle,
		Payload: []byte(`{"session":"s","events":[]}`),
	})
	require.Error(t, err)
	require.Equal(t, fault.KindAuthz, fault.KindOf(err))
}

func TestAdmitAcceptsValidSession(t *testing.T) {
	env := newGate(t)
	env.sessions.put(session.Session{
		ID:        "sess-3",
		Tenant:    "acme",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	req := lessonRequest("authenticated")
	req.SessionID = "sess-3"
	adm, err := env.gk.Admit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusNew, adm.Status)
}

func TestAdmitSurfacesSessionStoreOutage(t *testing.T) {
	env := newGate(t)
	env.sessions.err = errors.New("connection refused")

	req := lessonRequest("store down")
	req.SessionID = "sess-4"
	_, err := env.gk.Admit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestAdmitNewExecutesJob(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	adm, err := env.gk.Admit(ctx, lessonRequest("how do closures work"))
	require.NoError(t, err)
	require.Equal(t, StatusNew, adm.Status)
	require.NotEmpty(t, adm.Fingerprint)
	require.NotNil(t, adm.Handle)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	iv, err := adm.Handle.Wait(wctx)
	require.NoError(t, err)
	require.NotNil(t, iv)
	require.Equal(t, "done", iv.Body)

	// The in-flight acquire happens before the bucket take, and the terminal
	// hook releases the entry.
	calls := env.log.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	require.Equal(t, []string{"acquire", "take"}, calls[:2])
	require.Eventually(t, func() bool { return env.registry.releaseCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestAdmitCoalescesOnRecentResult(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	adm, err := env.gk.Admit(ctx, lessonRequest("repeatable question"))
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = adm.Handle.Wait(wctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.registry.releaseCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	again, err := env.gk.Admit(ctx, lessonRequest("repeatable question"))
	require.NoError(t, err)
	require.Equal(t, StatusCoalesced, again.Status)
	require.Equal(t, adm.Fingerprint, again.Fingerprint)
	require.NotNil(t, again.Intervention)
	require.Equal(t, "done", again.Intervention.Body)
}

func TestAdmitIgnoresStaleResult(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	req := lessonRequest("stale question")
	fp := job.Fingerprint(req.Tenant, req.Kind, req.Payload, "")
	require.NoError(t, env.store.Put(ctx, results.Intervention{
		Fingerprint: fp,
		Body:        "old",
		ProducedAt:  time.Now().UTC().Add(-time.Hour),
	}))

	adm, err := env.gk.Admit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, StatusNew, adm.Status)
}

func TestAdmitCoalescesOnInflightJob(t *testing.T) {
	env := newGate(t)
	force := session.AcquisitionExists
	env.registry.force = &force
	env.registry.holder = "job-0"

	adm, err := env.gk.Admit(context.Background(), lessonRequest("in flight"))
	require.NoError(t, err)
	require.Equal(t, StatusCoalesced, adm.Status)
	require.Nil(t, adm.Intervention)
	require.NotNil(t, adm.Updates)
	require.NotNil(t, adm.CancelUpdates)
	adm.CancelUpdates()

	// Coalesced submissions never consume quota.
	require.NotContains(t, env.log.snapshot(), "take")
}

func TestAdmitRecoversWhenHolderRollsBack(t *testing.T) {
	env := newGate(t)
	// The first acquire observes a holder whose entry is gone by the time the
	// caller subscribes; the re-acquire claims the fingerprint instead of
	// leaving the caller on a stream with no terminal update coming.
	force := session.AcquisitionExists
	env.registry.force = &force
	env.registry.forceOnce = true
	env.registry.holder = "job-rolled-back"

	ctx := context.Background()
	adm, err := env.gk.Admit(ctx, lessonRequest("orphaned"))
	require.NoError(t, err)
	require.Equal(t, StatusNew, adm.Status)
	require.NotNil(t, adm.Handle)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	iv, err := adm.Handle.Wait(wctx)
	require.NoError(t, err)
	require.Equal(t, "done", iv.Body)
}

// missFirstStore reports one miss before delegating, modeling a result that
// lands between the fast-path check and the post-subscribe re-check.
type missFirstStore struct {
	results.Store
	mu     sync.Mutex
	misses int
}

func (s *missFirstStore) Get(ctx context.Context, fp string) (results.Intervention, bool, error) {
	s.mu.Lock()
	if s.misses > 0 {
		s.misses--
		s.mu.Unlock()
		return results.Intervention{}, false, nil
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, fp)
}

func TestAdmitCoalescesOnFinishedHolder(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	req := lessonRequest("already finished")
	fp := job.Fingerprint(req.Tenant, req.Kind, req.Payload, "")
	require.NoError(t, env.store.Put(ctx, results.Intervention{
		Fingerprint: fp,
		Body:        "finished",
		ProducedAt:  time.Now().UTC(),
	}))

	gk, err := New(Options{
		Config:   config.Default(),
		Runtime:  env.rt,
		Results:  &missFirstStore{Store: env.store, misses: 1},
		Bus:      results.NewInmemBus(),
		Buckets:  env.buckets,
		Registry: env.registry,
		Sessions: env.sessions,
	})
	require.NoError(t, err)
	env.gk = gk

	force := session.AcquisitionExists
	env.registry.force = &force
	env.registry.holder = "job-done"

	adm, err := gk.Admit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, StatusCoalesced, adm.Status)
	require.NotNil(t, adm.Intervention)
	require.Equal(t, "finished", adm.Intervention.Body)
}

func TestAdmitDeniesTenantAtInflightBound(t *testing.T) {
	env := newGate(t)
	force := session.AcquisitionOverLimit
	env.registry.force = &force

	adm, err := env.gk.Admit(context.Background(), lessonRequest("one too many"))
	require.NoError(t, err)
	require.Equal(t, StatusDenied, adm.Status)
	require.Equal(t, ReasonQuotaExhausted, adm.Reason)
}

func TestAdmitDeniesRateLimited(t *testing.T) {
	env := newGate(t)
	env.buckets.decision = session.Decision{Allowed: false, RetryAfter: 2 * time.Second}

	adm, err := env.gk.Admit(context.Background(), lessonRequest("too fast"))
	require.NoError(t, err)
	require.Equal(t, StatusDenied, adm.Status)
	require.Equal(t, ReasonRateLimited, adm.Reason)
	require.Equal(t, 2*time.Second, adm.RetryAfter)
	// The registry entry created before the take is rolled back.
	require.Equal(t, 1, env.registry.releaseCount())
}

func TestAdmitFailsClosedWhenRegistryUnavailable(t *testing.T) {
	env := newGate(t)
	env.registry.err = errors.New("connection refused")

	adm, err := env.gk.Admit(context.Background(), lessonRequest("no registry"))
	require.NoError(t, err)
	require.Equal(t, StatusDenied, adm.Status)
	require.Equal(t, ReasonBackendUnavailable, adm.Reason)
}

func TestAdmitFailsClosedWhenBucketsUnavailable(t *testing.T) {
	env := newGate(t)
	env.buckets.err = errors.New("connection refused")

	adm, err := env.gk.Admit(context.Background(), lessonRequest("no buckets"))
	require.NoError(t, err)
	require.Equal(t, StatusDenied, adm.Status)
	require.Equal(t, ReasonBackendUnavailable, adm.Reason)
	require.Equal(t, 1, env.registry.releaseCount())
}

func TestAdmitIdempotencyKeySeparatesFingerprints(t *testing.T) {
	env := newGate(t)
	ctx := context.Background()

	req := lessonRequest("same payload")
	req.IdempotencyKey = "key-a"
	a, err := env.gk.Admit(ctx, req)
	require.NoError(t, err)

	req.IdempotencyKey = "key-b"
	b, err := env.gk.Admit(ctx, req)
	require.NoError(t, err)

	require.NotEqual(t, a.Fingerprint, b.Fingerprint)
	require.Equal(t, StatusNew, a.Status)
	require.Equal(t, StatusNew, b.Status)
}
