package results

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestSortCandidatesOrdering(t *testing.T) {
	cs := []Candidate{
		{RuleID: "r1", File: "b.go", Line: 10, Severity: SeverityWarn},
		{RuleID: "r2", File: "a.go", Line: 5, Severity: SeverityCritical},
		{RuleID: "r3", File: "a.go", Line: 2, Severity: SeverityWarn},
		{RuleID: "r4", File: "a.go", Line: 9, Severity: SeverityWarn},
	}
	SortCandidates(cs)
	require.Equal(t, "r2", cs[0].RuleID)
	require.Equal(t, "r3", cs[1].RuleID)
	require.Equal(t, "r4", cs[2].RuleID)
	require.Equal(t, "r1", cs[3].RuleID)
}

func TestSortCandidatesProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	genCandidate := gopter.CombineGens(
		gen.OneConstOf(SeverityInfo, SeverityWarn, SeverityError, SeverityCritical, Severity("bogus")),
		gen.OneConstOf("a.go", "b.go", "pkg/c.go", "zz/d.go"),
		gen.IntRange(1, 50),
		gen.OneConstOf("fn-length", "banned-api", "hardcoded-credential"),
	).Map(func(vals []interface{}) Candidate {
		return Candidate{
			Severity: vals[0].(Severity),
			File:     vals[1].(string),
			Line:     vals[2].(int),
			RuleID:   vals[3].(string),
		}
	})

	ordered := func(a, b Candidate) bool {
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line <= b.Line
	}

	props.Property("every adjacent pair honors severity desc, file asc, line asc", prop.ForAll(
		func(cs []Candidate) bool {
			SortCandidates(cs)
			for i := 1; i < len(cs); i++ {
				if !ordered(cs[i-1], cs[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genCandidate),
	))
	props.Property("sorting permutes, never adds or drops", prop.ForAll(
		func(cs []Candidate) bool {
			before := make(map[Candidate]int, len(cs))
			for _, c := range cs {
				before[c]++
			}
			SortCandidates(cs)
			after := make(map[Candidate]int, len(cs))
			for _, c := range cs {
				after[c]++
			}
			if len(before) != len(after) {
				return false
			}
			for c, n := range before {
				if after[c] != n {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genCandidate),
	))
	props.TestingRun(t)
}

func TestInmemStoreFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewInmemStore(time.Minute)
	first := Intervention{Fingerprint: "fp", Body: "first"}
	require.NoError(t, s.Put(ctx, first))
	require.NoError(t, s.Put(ctx, Intervention{Fingerprint: "fp", Body: "second"}))

	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", got.Body)
}

func TestInmemStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInmemStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Put(ctx, Intervention{Fingerprint: "fp"}))

	now = now.Add(2 * time.Minute)
	_, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInmemBusDeliversLatest(t *testing.T) {
	ctx := context.Background()
	b := NewInmemBus()
	ch, cancel, err := b.Subscribe(ctx, "fp")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, StateUpdate{Fingerprint: "fp", State: "running"}))
	require.NoError(t, b.Publish(ctx, StateUpdate{Fingerprint: "fp", State: "succeeded"}))

	var last StateUpdate
	for {
		select {
		case u := <-ch:
			last = u
			continue
		default:
		}
		break
	}
	require.Equal(t, "succeeded", last.State)
}

func TestInmemBusCancelUnsubscribes(t *testing.T) {
	ctx := context.Background()
	b := NewInmemBus()
	_, cancel, err := b.Subscribe(ctx, "fp")
	require.NoError(t, err)
	cancel()
	require.NoError(t, b.Publish(ctx, StateUpdate{Fingerprint: "fp", State: "running"}))
}
