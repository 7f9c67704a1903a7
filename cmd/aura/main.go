// Command aura wires the intervention orchestrator and exposes it as a CLI:
// session management, corpus ingestion, and one-shot job submission with the
// exit-code contract 0 success, 2 denied, 3 degraded, 4 cancelled, 1 other.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/aura-dev/aura/runtime/orchestrator/config"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

const (
	exitSuccess   = 0
	exitOther     = 1
	exitDenied    = 2
	exitDegraded  = 3
	exitCancelled = 4
)

func run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("aura", flag.ContinueOnError)
	dbgF := fs.Bool("debug", false, "enable debug logs")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return exitOther
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return exitOther
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "configuration"})
		return exitOther
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "session":
		return cmdSession(ctx, cmdArgs)
	case "rotate":
		return cmdRotate(ctx, cmdArgs)
	case "ingest":
		return cmdIngest(ctx, cfg, cmdArgs)
	case "audit":
		return cmdAudit(ctx, cfg, cmdArgs)
	case "telemetry":
		return cmdTelemetry(ctx, cfg, cmdArgs)
	case "lesson":
		return cmdLesson(ctx, cfg, cmdArgs)
	case "get":
		return cmdGet(ctx, cfg, cmdArgs)
	case "health":
		return cmdHealth(ctx, cfg, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		return exitOther
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: aura [-debug] <command> [flags]

Commands:
  session    create a session for a tenant and print the token pair
  rotate     exchange a refresh token for a new pair
  ingest     ingest a markdown lesson document into the knowledge corpus
  audit      submit a unified diff for audit and wait for the report
  telemetry  submit a telemetry batch and wait for the outcome
  lesson     request an on-demand lesson for a query
  get        fetch a stored intervention by fingerprint
  health     ping the backing stores

Environment:
  AURA_REDIS_ADDR, AURA_REDIS_PASSWORD    Redis connection (default localhost:6379)
  AURA_MONGO_URI, AURA_MONGO_DB           optional Mongo corpus store
  AURA_EMBED_PROVIDER                     openai (default) or bedrock
  OPENAI_API_KEY, AURA_EMBED_MODEL        OpenAI embeddings
  ANTHROPIC_API_KEY, AURA_MODEL           Claude synthesis model
  AURA_MODEL_TPM, AURA_MODEL_TPM_MAX      adaptive rate limiter budget
  AURA_*                                  core options, see package config
`)
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
