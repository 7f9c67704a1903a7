package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	bedrockembed "github.com/aura-dev/aura/features/embed/bedrock"
	openaiembed "github.com/aura-dev/aura/features/embed/openai"
	knowledgemongo "github.com/aura-dev/aura/features/knowledge/mongo"
	clientsmongo "github.com/aura-dev/aura/features/knowledge/mongo/clients/mongo"
	"github.com/aura-dev/aura/features/model/anthropic"
	"github.com/aura-dev/aura/features/model/middleware"
	resultpulse "github.com/aura-dev/aura/features/results/pulse"
	sessionredis "github.com/aura-dev/aura/features/session/redis"
	"github.com/aura-dev/aura/gatekeeper"
	"github.com/aura-dev/aura/knowledge"
	"github.com/aura-dev/aura/model"
	"github.com/aura-dev/aura/pipeline/audit"
	"github.com/aura-dev/aura/pipeline/struggle"
	"github.com/aura-dev/aura/runtime/orchestrator/config"
	"github.com/aura-dev/aura/runtime/orchestrator/job"
	"github.com/aura-dev/aura/runtime/orchestrator/workflow"
	"github.com/aura-dev/aura/telemetry"
)

// orchestrator holds the wired process: stores, providers, graphs, runtime,
// and gatekeeper. Lifecycle is init-at-start, release-at-shutdown.
type orchestrator struct {
	cfg      config.Config
	rdb      *goredis.Client
	mongo    *mongodriver.Client
	sessions *sessionredis.Store
	store    *resultpulse.Store
	bus      *resultpulse.Bus
	ingester *knowledge.Ingester
	runtime  *workflow.Runtime
	gate     *gatekeeper.Gatekeeper
	pingers  []health.Pinger
}

func redisClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     envDefault("AURA_REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("AURA_REDIS_PASSWORD"),
	})
}

// corpusStore opens the optional Mongo-backed chunk store. Returns nils when
// AURA_MONGO_URI is unset; the index then serves from memory only.
func corpusStore() (knowledge.Store, health.Pinger, *mongodriver.Client, error) {
	uri := os.Getenv("AURA_MONGO_URI")
	if uri == "" {
		return nil, nil, nil, nil
	}
	drv, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	cli, err := clientsmongo.New(clientsmongo.Options{
		Client:   drv,
		Database: envDefault("AURA_MONGO_DB", "aura"),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := knowledgemongo.NewStore(cli)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, cli, drv, nil
}

func buildEmbedder(ctx context.Context, cfg config.Config) (knowledge.Embedder, error) {
	switch provider := envDefault("AURA_EMBED_PROVIDER", "openai"); provider {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai embed provider")
		}
		return openaiembed.NewFromAPIKey(key, os.Getenv("AURA_EMBED_MODEL"), cfg.EmbeddingDimension)
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrockembed.New(bedrockembed.Options{
			Runtime:   bedrockruntime.NewFromConfig(awsCfg),
			ModelID:   os.Getenv("AURA_EMBED_MODEL"),
			Dimension: cfg.EmbeddingDimension,
		})
	default:
		return nil, fmt.Errorf("unknown embed provider %q", provider)
	}
}

// buildModel constructs the Claude client wrapped in the adaptive rate
// limiter. The tokens-per-minute budget is coordinated across processes
// through a Pulse replicated map when Redis is reachable.
func buildModel(ctx context.Context, rdb *goredis.Client) (model.Client, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	base, err := anthropic.NewFromAPIKey(key, envDefault("AURA_MODEL", "claude-sonnet-4-5"))
	if err != nil {
		return nil, err
	}

	tpm := envFloat("AURA_MODEL_TPM", 60000)
	maxTPM := envFloat("AURA_MODEL_TPM_MAX", tpm*2)
	budgets, err := rmap.Join(ctx, "aura_model_tpm", rdb)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "model budget map unavailable, rate limiting locally"}, log.KV{K: "err", V: err.Error()})
		budgets = nil
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budgets, "anthropic", tpm, maxTPM)
	return model.Chain(base, limiter.Middleware()), nil
}

func buildOrchestrator(ctx context.Context, cfg config.Config) (*orchestrator, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	rdb := redisClient()
	sessions, err := sessionredis.New(sessionredis.Options{Redis: rdb})
	if err != nil {
		return nil, err
	}
	store, err := resultpulse.NewStore(resultpulse.StoreOptions{Redis: rdb, Retention: cfg.ResultRetention()})
	if err != nil {
		return nil, err
	}
	bus, err := resultpulse.NewBus(resultpulse.BusOptions{Redis: rdb, Logger: logger})
	if err != nil {
		return nil, err
	}

	index, err := knowledge.NewIndex(cfg.EmbeddingDimension)
	if err != nil {
		return nil, err
	}
	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache := knowledge.NewEmbedCache(embedder, 4096, time.Hour)

	kstore, kpinger, mongoDrv, err := corpusStore()
	if err != nil {
		return nil, err
	}
	ingester, err := knowledge.NewIngester(knowledge.IngesterOptions{
		Index:    index,
		Embedder: cache,
		Store:    kstore,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if kstore != nil {
		if n, werr := ingester.Warm(ctx, knowledge.TenantGlobal); werr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "corpus warm failed"}, log.KV{K: "err", V: werr.Error()})
		} else if n > 0 {
			log.Info(ctx, log.KV{K: "msg", V: "corpus warmed"}, log.KV{K: "chunks", V: n})
		}
	}

	retriever, err := knowledge.NewRetriever(knowledge.RetrieverOptions{
		Index:       index,
		Embedder:    cache,
		TopKDefault: cfg.RetrievalTopKDefault,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	client, err := buildModel(ctx, rdb)
	if err != nil {
		return nil, err
	}
	synth, err := struggle.NewSynthesizer(client, struggle.SynthesizerOptions{})
	if err != nil {
		return nil, err
	}
	composer, err := audit.NewComposer(client, audit.ComposerOptions{})
	if err != nil {
		return nil, err
	}

	sdeps := struggle.Deps{
		Windows: struggle.NewWindows(cfg.Window(), metrics),
		Classifier: struggle.NewClassifier(struggle.Thresholds{
			EditFreqMin:       cfg.EditFreqMin,
			DistinctErrorsMin: cfg.DistinctErrorsMin,
			MinDuration:       5 * time.Second,
			Cooldown:          cfg.Cooldown(),
		}),
		Retriever:   retriever,
		Synthesizer: synth,
		Sessions:    sessions,
	}
	struggleGraph, err := struggle.NewGraph(sdeps)
	if err != nil {
		return nil, err
	}
	lessonGraph, err := struggle.NewLessonGraph(sdeps)
	if err != nil {
		return nil, err
	}
	auditGraph, err := audit.NewGraph(audit.Deps{
		Parser:    audit.NewParser(audit.ParserOptions{}),
		Prefilter: audit.NewPrefilter(audit.RuleOptions{}),
		Retriever: retriever,
		Verdict:   audit.NewVerdict(audit.VerdictOptions{ConfidenceThreshold: cfg.VerdictConfidenceThreshold}),
		Composer:  composer,
	})
	if err != nil {
		return nil, err
	}

	rt, err := workflow.New(workflow.Options{
		MaxInflight:       cfg.MaxInflightGlobal,
		CancellationGrace: cfg.CancellationGrace(),
		Checkpointer:      sessions,
		Store:             store,
		Bus:               bus,
		OnTerminal: func(ctx context.Context, j *job.Job) {
			if err := sessions.Release(ctx, j.Fingerprint); err != nil {
				logger.Warn(ctx, "in-flight release failed", "fingerprint", j.Fingerprint, "err", err.Error())
			}
		},
		Logger:  logger,
		Metrics: metrics,
	}, struggleGraph, lessonGraph, auditGraph)
	if err != nil {
		return nil, err
	}

	gate, err := gatekeeper.New(gatekeeper.Options{
		Config:   cfg,
		Runtime:  rt,
		Results:  store,
		Bus:      bus,
		Buckets:  sessions,
		Registry: sessions,
		Sessions: sessions,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	pingers := []health.Pinger{sessions, store}
	if kpinger != nil {
		pingers = append(pingers, kpinger)
	}

	rt.Start(ctx)
	return &orchestrator{
		cfg:      cfg,
		rdb:      rdb,
		mongo:    mongoDrv,
		sessions: sessions,
		store:    store,
		bus:      bus,
		ingester: ingester,
		runtime:  rt,
		gate:     gate,
		pingers:  pingers,
	}, nil
}

func (o *orchestrator) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.runtime.Shutdown(ctx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "runtime shutdown"}, log.KV{K: "err", V: err.Error()})
	}
	if o.mongo != nil {
		if err := o.mongo.Disconnect(ctx); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "mongo disconnect"}, log.KV{K: "err", V: err.Error()})
		}
	}
	if err := o.rdb.Close(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "redis close"}, log.KV{K: "err", V: err.Error()})
	}
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
