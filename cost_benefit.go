package ramlog

import (
	"math"
	"sort"
)

// uint128 is a pair of uint64 words compared lexicographically (high then
// low), used for the tombstone-fallback product in doMemoryCleaning where
// a plain uint64 tombstoneCount*age could overflow.
type uint128 struct {
	hi, lo uint64
}

// mul64 computes a*b as a uint128 without overflow.
func mul64(a, b uint64) uint128 {
	const mask = 0xffffffff
	aLo, aHi := a&mask, a>>32
	bLo, bHi := b&mask, b>>32

	lo := aLo * bLo
	mid1 := aLo * bHi
	mid2 := aHi * bLo
	hi := aHi * bHi

	carry := (lo>>32 + mid1&mask + mid2&mask) >> 32
	lo = lo + (mid1&mask+mid2&mask)<<32
	hi = hi + mid1>>32 + mid2>>32 + carry

	return uint128{hi: hi, lo: lo}
}

func (a uint128) less(b uint128) bool {
	if a.hi != b.hi {
		return a.hi < b.hi
	}
	return a.lo < b.lo
}

// costBenefit computes the cost-benefit score for a disk cleaning
// candidate: (100-diskUtilization)*age/diskUtilization, or +Inf
// if diskUtilization is zero (an empty segment is infinitely attractive).
// age is clamped to zero if clock skew produced a future creation
// timestamp.
func costBenefit(diskUtilization int, ageSeconds int64) float64 {
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	if diskUtilization <= 0 {
		return math.Inf(1)
	}
	return float64(100-diskUtilization) * float64(ageSeconds) / float64(diskUtilization)
}

// costBenefitOf returns segment s's cost-benefit score, recomputing and
// caching it if the cached value's version tag doesn't match the sort's
// version. A single sort operation stamps one version so the comparator
// stays a strict weak
// order even though live statistics (liveBytes) can change concurrently
// via Log.free while the sort is running.
func costBenefitOf(s *Segment, segmentSize int, now int64, version uint64) float64 {
	if s.costBenefitVersion == version {
		return s.costBenefit
	}
	age := now - s.CreationTimestamp()
	cb := costBenefit(s.DiskUtilization(segmentSize), age)
	s.costBenefit = cb
	s.costBenefitVersion = version
	return cb
}

// sortCandidatesByCostBenefitDesc sorts candidates highest cost-benefit
// first, recomputing/caching each segment's score under one shared
// version tag so the whole sort sees a consistent snapshot. now and a
// monotonic version counter are supplied by the caller (the cleaner uses
// a simple atomic counter in place of a cycle counter).
func sortCandidatesByCostBenefitDesc(candidates []*Segment, segmentSize int, now int64, version uint64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci := costBenefitOf(candidates[i], segmentSize, now, version)
		cj := costBenefitOf(candidates[j], segmentSize, now, version)
		return ci > cj
	})
}
