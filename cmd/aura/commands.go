package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	resultpulse "github.com/aura-dev/aura/features/results/pulse"
	sessionredis "github.com/aura-dev/aura/features/session/redis"
	"github.com/aura-dev/aura/gatekeeper"
	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/pipeline/audit"
	"github.com/aura-dev/aura/pipeline/struggle"
	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/config"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/telemetry"
)

func cmdSession(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	tenantF := fs.String("tenant", "", "tenant id (required)")
	levelF := fs.String("level", "", "learner level (beginner|intermediate|advanced)")
	ttlF := fs.Duration("ttl", 24*time.Hour, "session lifetime")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *tenantF == "" {
		fmt.Fprintln(os.Stderr, "session: -tenant is required")
		return exitOther
	}

	rdb := redisClient()
	defer rdb.Close()
	store, err := sessionredis.New(sessionredis.Options{Redis: rdb})
	if err != nil {
		return fail(ctx, err)
	}
	sess, pair, err := store.Create(ctx, *tenantF, *levelF, *ttlF)
	if err != nil {
		return fail(ctx, err)
	}
	return printJSON(map[string]any{
		"session":       sess.ID,
		"tenant":        sess.Tenant,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    int(pair.ExpiresIn.Seconds()),
	})
}

func cmdRotate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rotate", flag.ContinueOnError)
	tokenF := fs.String("token", "", "refresh token (required)")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *tokenF == "" {
		fmt.Fprintln(os.Stderr, "rotate: -token is required")
		return exitOther
	}

	rdb := redisClient()
	defer rdb.Close()
	store, err := sessionredis.New(sessionredis.Options{Redis: rdb})
	if err != nil {
		return fail(ctx, err)
	}
	sess, pair, err := store.Rotate(ctx, *tokenF)
	if err != nil {
		return fail(ctx, err)
	}
	return printJSON(map[string]any{
		"session":       sess.ID,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    int(pair.ExpiresIn.Seconds()),
	})
}

func cmdIngest(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	tenantF := fs.String("tenant", knowledge.TenantGlobal, "owning tenant, defaults to the global corpus")
	sourceF := fs.String("source", "", "markdown document path (required)")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *sourceF == "" {
		fmt.Fprintln(os.Stderr, "ingest: -source is required")
		return exitOther
	}
	doc, err := os.ReadFile(*sourceF)
	if err != nil {
		return fail(ctx, err)
	}

	index, err := knowledge.NewIndex(cfg.EmbeddingDimension)
	if err != nil {
		return fail(ctx, err)
	}
	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return fail(ctx, err)
	}
	kstore, _, mongoDrv, err := corpusStore()
	if err != nil {
		return fail(ctx, err)
	}
	if mongoDrv != nil {
		defer mongoDrv.Disconnect(ctx) //nolint:errcheck
	}
	ingester, err := knowledge.NewIngester(knowledge.IngesterOptions{
		Index:    index,
		Embedder: knowledge.NewEmbedCache(embedder, 4096, time.Hour),
		Store:    kstore,
		Logger:   telemetry.NewClueLogger(),
	})
	if err != nil {
		return fail(ctx, err)
	}
	chunks, err := ingester.IngestMarkdown(ctx, *tenantF, *sourceF, string(doc))
	if err != nil {
		return fail(ctx, err)
	}
	return printJSON(map[string]any{
		"tenant": *tenantF,
		"source": *sourceF,
		"chunks": len(chunks),
	})
}

func cmdAudit(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	tenantF := fs.String("tenant", "", "tenant id (required)")
	diffF := fs.String("diff", "", "unified diff path, - for stdin (required)")
	baseF := fs.String("base", "", "base content hash (required)")
	newF := fs.String("new", "", "new content hash (required)")
	keyF := fs.String("key", "", "optional idempotency key")
	waitF := fs.Duration("wait", 5*time.Minute, "how long to wait for the report")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *tenantF == "" || *diffF == "" || *baseF == "" || *newF == "" {
		fmt.Fprintln(os.Stderr, "audit: -tenant, -diff, -base, and -new are required")
		return exitOther
	}
	diff, err := readInput(*diffF)
	if err != nil {
		return fail(ctx, err)
	}
	payload, err := json.Marshal(audit.Submission{Diff: string(diff), BaseHash: *baseF, NewHash: *newF})
	if err != nil {
		return fail(ctx, err)
	}
	return submit(ctx, cfg, gatekeeper.Request{
		Tenant:         *tenantF,
		Kind:           job.KindAudit,
		Payload:        payload,
		IdempotencyKey: *keyF,
	}, *waitF)
}

func cmdTelemetry(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("telemetry", flag.ContinueOnError)
	tenantF := fs.String("tenant", "", "tenant id (required)")
	eventsF := fs.String("events", "", "telemetry batch JSON path, - for stdin (required)")
	waitF := fs.Duration("wait", 2*time.Minute, "how long to wait for the outcome")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *tenantF == "" || *eventsF == "" {
		fmt.Fprintln(os.Stderr, "telemetry: -tenant and -events are required")
		return exitOther
	}
	payload, err := readInput(*eventsF)
	if err != nil {
		return fail(ctx, err)
	}
	var batch struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fail(ctx, fault.Wrap(fault.KindValidation, "decode telemetry batch", err))
	}
	return submit(ctx, cfg, gatekeeper.Request{
		Tenant:    *tenantF,
		Kind:      job.KindStruggle,
		SessionID: batch.Session,
		Payload:   payload,
	}, *waitF)
}

func cmdLesson(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("lesson", flag.ContinueOnError)
	tenantF := fs.String("tenant", "", "tenant id (required)")
	sessionF := fs.String("session", "", "optional session id for learner-level lookup")
	queryF := fs.String("query", "", "lesson query (required)")
	patternsF := fs.String("patterns", "", "comma-separated error patterns")
	topKF := fs.Int("top-k", 0, "retrieval breadth, defaults to the configured value")
	waitF := fs.Duration("wait", 2*time.Minute, "how long to wait for the lesson")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *tenantF == "" || *queryF == "" {
		fmt.Fprintln(os.Stderr, "lesson: -tenant and -query are required")
		return exitOther
	}
	req := struggle.LessonRequest{Query: *queryF, TopK: *topKF}
	if *patternsF != "" {
		req.ErrorPatterns = strings.Split(*patternsF, ",")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fail(ctx, err)
	}
	return submit(ctx, cfg, gatekeeper.Request{
		Tenant:    *tenantF,
		Kind:      job.KindLesson,
		SessionID: *sessionF,
		Payload:   payload,
	}, *waitF)
}

func cmdGet(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fpF := fs.String("fingerprint", "", "job fingerprint (required)")
	if err := fs.Parse(args); err != nil {
		return exitOther
	}
	if *fpF == "" {
		fmt.Fprintln(os.Stderr, "get: -fingerprint is required")
		return exitOther
	}

	rdb := redisClient()
	defer rdb.Close()
	store, err := resultpulse.NewStore(resultpulse.StoreOptions{Redis: rdb, Retention: cfg.ResultRetention()})
	if err != nil {
		return fail(ctx, err)
	}
	iv, ok, err := store.Get(ctx, *fpF)
	if err != nil {
		return fail(ctx, err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no intervention for fingerprint")
		return exitOther
	}
	return printIntervention(&iv)
}

func cmdHealth(ctx context.Context, cfg config.Config, args []string) int {
	rdb := redisClient()
	defer rdb.Close()
	sessions, err := sessionredis.New(sessionredis.Options{Redis: rdb})
	if err != nil {
		return fail(ctx, err)
	}
	store, err := resultpulse.NewStore(resultpulse.StoreOptions{Redis: rdb, Retention: cfg.ResultRetention()})
	if err != nil {
		return fail(ctx, err)
	}
	pingers := []health.Pinger{sessions, store}
	if _, kpinger, mongoDrv, cerr := corpusStore(); cerr == nil && kpinger != nil {
		defer mongoDrv.Disconnect(ctx) //nolint:errcheck
		pingers = append(pingers, kpinger)
	}

	status := make(map[string]string, len(pingers))
	code := exitSuccess
	for _, p := range pingers {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.Ping(pctx); err != nil {
			status[p.Name()] = err.Error()
			code = exitOther
		} else {
			status[p.Name()] = "ok"
		}
		cancel()
	}
	printJSON(status)
	return code
}

// submit wires the full orchestrator, admits the request, and waits for the
// terminal outcome.
func submit(ctx context.Context, cfg config.Config, req gatekeeper.Request, wait time.Duration) int {
	o, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return fail(ctx, err)
	}
	defer o.shutdown(ctx)

	adm, err := o.gate.Admit(ctx, req)
	if err != nil {
		return fail(ctx, err)
	}

	switch adm.Status {
	case gatekeeper.StatusDenied:
		printJSON(map[string]any{
			"fingerprint": adm.Fingerprint,
			"status":      string(adm.Status),
			"reason":      adm.Reason,
			"retry_after": adm.RetryAfter.Seconds(),
		})
		return exitDenied

	case gatekeeper.StatusCoalesced:
		if adm.Intervention != nil {
			return printIntervention(adm.Intervention)
		}
		if adm.Updates == nil {
			printJSON(map[string]any{"fingerprint": adm.Fingerprint, "status": string(adm.Status)})
			return exitSuccess
		}
		defer adm.CancelUpdates()
		return waitUpdates(ctx, adm.Updates, wait)

	default: // new
		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		iv, werr := adm.Handle.Wait(wctx)
		if werr != nil {
			return fail(ctx, werr)
		}
		if iv == nil {
			// Terminal without artifact: the pipeline decided no intervention
			// was warranted.
			printJSON(map[string]any{"fingerprint": adm.Fingerprint, "state": string(adm.Handle.State())})
			return exitSuccess
		}
		return printIntervention(iv)
	}
}

func waitUpdates(ctx context.Context, updates <-chan results.StateUpdate, wait time.Duration) int {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return exitCancelled
		case <-timer.C:
			fmt.Fprintln(os.Stderr, "timed out waiting for the coalesced job")
			return exitOther
		case u, ok := <-updates:
			if !ok {
				fmt.Fprintln(os.Stderr, "update stream closed before a terminal state")
				return exitOther
			}
			switch job.State(u.State) {
			case job.StateSucceeded:
				if u.Intervention != nil {
					return printIntervention(u.Intervention)
				}
				printJSON(map[string]any{"fingerprint": u.Fingerprint, "state": u.State})
				return exitSuccess
			case job.StateCancelled:
				return exitCancelled
			case job.StateFailed:
				fmt.Fprintln(os.Stderr, "coalesced job failed")
				return exitOther
			}
		}
	}
}

func printIntervention(iv *results.Intervention) int {
	printJSON(iv)
	if iv.Degraded {
		return exitDegraded
	}
	return exitSuccess
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	fmt.Println(string(data))
	return exitSuccess
}

func fail(ctx context.Context, err error) int {
	log.Error(ctx, err)
	switch fault.KindOf(err) {
	case fault.KindAuthz, fault.KindQuota:
		return exitDenied
	case fault.KindCancelled:
		return exitCancelled
	default:
		return exitOther
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
