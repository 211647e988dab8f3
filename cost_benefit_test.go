package ramlog

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMul64MatchesBigMultiplication(t *testing.T) {
	cases := [][2]uint64{
		{0, 0},
		{1, 1},
		{math.MaxUint64, 2},
		{math.MaxUint64, math.MaxUint64},
		{1 << 40, 1 << 40},
	}
	for _, c := range cases {
		got := mul64(c[0], c[1])
		wantHi, wantLo := bits128(c[0], c[1])
		require.Equal(t, wantHi, got.hi, "hi word for %d*%d", c[0], c[1])
		require.Equal(t, wantLo, got.lo, "lo word for %d*%d", c[0], c[1])
	}
}

// bits128 computes a*b as 128 bits the same way math/bits.Mul64 would, used
// as an independent reference for TestMul64MatchesBigMultiplication.
func bits128(a, b uint64) (hi, lo uint64) {
	const mask = 0xffffffff
	aLo, aHi := a&mask, a>>32
	bLo, bHi := b&mask, b>>32
	t0 := aLo * bLo
	t1 := aLo*bHi + t0>>32
	t2 := aHi*bLo + t1&mask
	lo = t0&mask | t2<<32
	hi = aHi*bHi + t1>>32 + t2>>32
	return
}

func TestUint128Less(t *testing.T) {
	require.True(t, uint128{hi: 0, lo: 1}.less(uint128{hi: 0, lo: 2}))
	require.True(t, uint128{hi: 0, lo: math.MaxUint64}.less(uint128{hi: 1, lo: 0}))
	require.False(t, uint128{hi: 1, lo: 0}.less(uint128{hi: 0, lo: math.MaxUint64}))
	require.False(t, uint128{hi: 5, lo: 5}.less(uint128{hi: 5, lo: 5}))
}

func TestCostBenefitZeroUtilizationIsInfinite(t *testing.T) {
	require.True(t, math.IsInf(costBenefit(0, 100), 1))
}

func TestCostBenefitClampsNegativeAge(t *testing.T) {
	require.Equal(t, float64(0), costBenefit(50, -100))
}

func TestCostBenefitPrefersLowerUtilizationAtEqualAge(t *testing.T) {
	low := costBenefit(10, 1000)
	high := costBenefit(90, 1000)
	require.Greater(t, low, high)
}

func TestCostBenefitPrefersOlderAtEqualUtilization(t *testing.T) {
	younger := costBenefit(50, 100)
	older := costBenefit(50, 10000)
	require.Greater(t, older, younger)
}

func TestSortCandidatesByCostBenefitDescOrdersHighestFirst(t *testing.T) {
	now := time.Now().Unix()
	mostly := newTestSegment(t, 1, 1000)
	mostly.creationTimestamp = now - 1000
	mostly.liveBytes = 900 // 90% of 1000

	empty := newTestSegment(t, 1, 1000)
	empty.creationTimestamp = now - 1000
	empty.liveBytes = 0

	medium := newTestSegment(t, 1, 1000)
	medium.creationTimestamp = now - 1000
	medium.liveBytes = 500

	candidates := []*Segment{mostly, empty, medium}
	sortCandidatesByCostBenefitDesc(candidates, 1000, now, 1)

	require.Equal(t, empty, candidates[0])
	require.Equal(t, mostly, candidates[len(candidates)-1])
}
