package award

import (
	"context"
	"testing"

	"promo-engine/pkg/kvcache"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testArena() *Arena {
	return &Arena{
		Groups: map[string]Group{
			"g1": {GroupID: "g1", Name: "main"},
			"g2": {GroupID: "g2", Name: "nested"},
		},
		Tiers: map[string][]Tier{
			"g1": {
				{TierID: "t1", GroupID: "g1", Percent: 70},
				{TierID: "t2", GroupID: "g1", Percent: 30},
			},
			"g2": {
				{TierID: "t3", GroupID: "g2", Percent: 100},
			},
		},
	}
}

func TestSampler_AlwaysPicksOnePerGroup(t *testing.T) {
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		got, err := s.Sample(ctx, testArena(), []string{"g1"}, CapScope{ConditionID: "c1"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Contains(t, []string{"t1", "t2"}, got[0].TierID)
	}
}

func TestSampler_BatchDrawsIndependently(t *testing.T) {
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())

	got, err := s.Sample(context.Background(), testArena(), []string{"g1"}, CapScope{ConditionID: "c1"}, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestSampler_ZeroPercentTierNeverChosen(t *testing.T) {
	arena := &Arena{
		Tiers: map[string][]Tier{
			"g1": {
				{TierID: "never", GroupID: "g1", Percent: 0},
				{TierID: "always", GroupID: "g1", Percent: 100},
			},
		},
	}
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())

	for i := 0; i < 100; i++ {
		got, err := s.Sample(context.Background(), arena, []string{"g1"}, CapScope{ConditionID: "c1"}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "always", got[0].TierID)
	}
}

func TestSampler_CapNeverExceeded(t *testing.T) {
	// one tier capped at 3 per day, one uncapped fallback
	arena := &Arena{
		Tiers: map[string][]Tier{
			"g1": {
				{TierID: "capped", GroupID: "g1", Percent: 100, CapType: CapDay, CapCount: 3},
				{TierID: "open", GroupID: "g1", Percent: 1},
			},
		},
	}
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())
	scope := CapScope{ConditionID: "c1"}

	cappedHits := 0
	for i := 0; i < 200; i++ {
		got, err := s.Sample(context.Background(), arena, []string{"g1"}, scope, 1)
		require.NoError(t, err)
		for _, tier := range got {
			if tier.TierID == "capped" {
				cappedHits++
			}
		}
	}
	require.Equal(t, 3, cappedHits, "capped tier must be selected exactly its cap count")
}

func TestSampler_CapScopedPerCondition(t *testing.T) {
	arena := &Arena{
		Tiers: map[string][]Tier{
			"g1": {{TierID: "capped", GroupID: "g1", Percent: 100, CapType: CapLifetime, CapCount: 1}},
		},
	}
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())

	got, err := s.Sample(context.Background(), arena, []string{"g1"}, CapScope{ConditionID: "c1"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// cap exhausted for c1, empty draw
	got, err = s.Sample(context.Background(), arena, []string{"g1"}, CapScope{ConditionID: "c1"}, 1)
	require.NoError(t, err)
	require.Empty(t, got)

	// a different condition scope has its own counter
	got, err = s.Sample(context.Background(), arena, []string{"g1"}, CapScope{ConditionID: "c2"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSampler_NestedChildGroup(t *testing.T) {
	arena := testArena()
	arena.Tiers["g1"] = []Tier{
		{TierID: "t1", GroupID: "g1", Percent: 100, ChildGroupID: "g2"},
	}
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())

	got, err := s.Sample(context.Background(), arena, []string{"g1"}, CapScope{ConditionID: "c1"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].TierID)
	require.Equal(t, "t3", got[1].TierID)
}

func TestSampler_SelfReferentialGroupBounded(t *testing.T) {
	arena := &Arena{
		Tiers: map[string][]Tier{
			"loop": {{TierID: "t1", GroupID: "loop", Percent: 100, ChildGroupID: "loop"}},
		},
	}
	s := NewSampler(kvcache.NewMemory(), zap.NewNop())

	got, err := s.Sample(context.Background(), arena, []string{"loop"}, CapScope{ConditionID: "c1"}, 1)
	require.NoError(t, err)
	require.Len(t, got, maxNesting)
}
