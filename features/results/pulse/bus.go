package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/aura-dev/aura/results"
	"github.com/aura-dev/aura/runtime/orchestrator/fault"
	"github.com/aura-dev/aura/telemetry"
	"github.com/google/uuid"
)

type (
	// BusOptions configures the Pulse-backed subscription bus.
	BusOptions struct {
		// Redis backs the Pulse streams. Required. Callers own its lifecycle.
		Redis *goredis.Client
		// StreamMaxLen bounds entries kept per fingerprint stream. Defaults
		// to 64; a job emits a handful of transitions.
		StreamMaxLen int
		// Buffer is the subscriber channel capacity. Defaults to 16.
		Buffer int
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Bus implements results.Bus over one Pulse stream per fingerprint. Each
	// subscriber opens its own sink, so every waiter coalesced onto a job
	// observes every transition. Sinks start at the oldest entry: a caller
	// attaching after the terminal publish still receives the artifact.
	// Delivery is at-least-once; subscribers tolerate duplicates.
	Bus struct {
		rdb    *goredis.Client
		maxLen int
		buffer int
		logger telemetry.Logger
	}

	// envelope is the wire form of one state update.
	envelope struct {
		Fingerprint  string          `json:"fingerprint"`
		State        string          `json:"state"`
		Timestamp    time.Time       `json:"timestamp"`
		Intervention json.RawMessage `json:"intervention,omitempty"`
	}
)

const updateEvent = "state_update"

// NewBus builds the Pulse-backed bus.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = 64
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Bus{
		rdb:    opts.Redis,
		maxLen: opts.StreamMaxLen,
		buffer: opts.Buffer,
		logger: opts.Logger,
	}, nil
}

// Publish delivers a state transition to every subscriber of the fingerprint.
func (b *Bus) Publish(ctx context.Context, update results.StateUpdate) error {
	str, err := b.stream(update.Fingerprint)
	if err != nil {
		return err
	}
	env := envelope{
		Fingerprint: update.Fingerprint,
		State:       update.State,
		Timestamp:   time.Now().UTC(),
	}
	if update.Intervention != nil {
		raw, merr := json.Marshal(update.Intervention)
		if merr != nil {
			return fault.Internal(merr)
		}
		env.Intervention = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fault.Internal(err)
	}
	if _, err := str.Add(ctx, updateEvent, payload); err != nil {
		return fault.Wrap(fault.KindTransient, "bus publish", err)
	}
	return nil
}

// Subscribe registers a waiter for the fingerprint. Each call opens a fresh
// sink so subscribers never share a cursor.
func (b *Bus) Subscribe(ctx context.Context, fingerprint string) (<-chan results.StateUpdate, context.CancelFunc, error) {
	str, err := b.stream(fingerprint)
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, "waiter-"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindTransient, "bus subscribe", err)
	}

	out := make(chan results.StateUpdate, b.buffer)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go b.consume(runCtx, sink, out)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, cancelFunc, nil
}

func (b *Bus) stream(fingerprint string) (*streaming.Stream, error) {
	str, err := streaming.NewStream(streamName(fingerprint), b.rdb,
		streamopts.WithStreamMaxLen(b.maxLen))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "open update stream", err)
	}
	return str, nil
}

func (b *Bus) consume(ctx context.Context, sink *streaming.Sink, out chan<- results.StateUpdate) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			update, err := decodeEnvelope(evt.Payload)
			if err != nil {
				b.logger.Warn(ctx, "bus envelope decode failed", "err", err.Error())
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				b.logger.Warn(ctx, "bus ack failed", "fingerprint", update.Fingerprint, "err", err.Error())
			}
		}
	}
}

func decodeEnvelope(payload []byte) (results.StateUpdate, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return results.StateUpdate{}, err
	}
	update := results.StateUpdate{Fingerprint: env.Fingerprint, State: env.State}
	if len(env.Intervention) > 0 {
		var iv results.Intervention
		if err := json.Unmarshal(env.Intervention, &iv); err != nil {
			return results.StateUpdate{}, err
		}
		update.Intervention = &iv
	}
	return update, nil
}

func streamName(fingerprint string) string { return "iv-" + fingerprint }
