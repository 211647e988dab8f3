package ramlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSegletAllocatorGeneralPoolRoundTrip(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(4))

	got, err := a.Alloc(3, FlagNone)
	require.NoError(t, err)
	require.Len(t, got, 3)

	general, reserve := a.Stats()
	require.Equal(t, 1, general)
	require.Equal(t, 0, reserve)

	a.Free(got)
	general, reserve = a.Stats()
	require.Equal(t, 4, general)
	require.Equal(t, 0, reserve)

	require.NoError(t, a.Close())
}

func TestSegletAllocatorGeneralPoolExhaustedWithoutCleaningFlag(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(2))

	_, err := a.Alloc(3, FlagNone)
	require.ErrorIs(t, err, ErrAllocatorExhausted)

	require.NoError(t, a.Close())
}

func TestSegletAllocatorForCleaningDrawsReserve(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(1))
	require.True(t, a.InitializeSurvivorReserve(2))

	got, err := a.Alloc(3, FlagForCleaning)
	require.NoError(t, err)
	require.Len(t, got, 3)

	general, reserve := a.Stats()
	require.Equal(t, 0, general)
	require.Equal(t, 0, reserve)

	require.NoError(t, a.Close())
}

func TestSegletAllocatorWithoutCleaningFlagNeverDrawsReserve(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(1))
	require.True(t, a.InitializeSurvivorReserve(2))

	_, err := a.Alloc(2, FlagNone)
	require.ErrorIs(t, err, ErrAllocatorExhausted)

	general, reserve := a.Stats()
	require.Equal(t, 1, general)
	require.Equal(t, 2, reserve)

	require.NoError(t, a.Close())
}

func TestSegletAllocatorMustNotFailBlocksUntilFreed(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(1))

	got, err := a.Alloc(1, FlagNone)
	require.NoError(t, err)

	done := make(chan []*seglet, 1)
	go func() {
		more, err := a.Alloc(1, FlagForCleaning|FlagMustNotFail)
		require.NoError(t, err)
		done <- more
	}()

	select {
	case <-done:
		t.Fatal("alloc should have blocked with the pool exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	a.Free(got)

	select {
	case more := <-done:
		require.Len(t, more, 1)
		a.Free(more)
	case <-time.After(time.Second):
		t.Fatal("blocked alloc never woke up after free")
	}

	require.NoError(t, a.Close())
}

func TestSegletAllocatorFreeRefillsReserveFirst(t *testing.T) {
	a := NewSegletAllocator(4096)
	// No general pool, so the cleaning allocation below drains the reserve.
	require.True(t, a.GrowGeneralPool(0))
	require.True(t, a.InitializeSurvivorReserve(2))

	got, err := a.Alloc(2, FlagForCleaning)
	require.NoError(t, err)

	a.Free(got[:1])
	general, reserve := a.Stats()
	require.Equal(t, 0, general)
	require.Equal(t, 1, reserve)

	a.Free(got[1:])
	general, reserve = a.Stats()
	require.Equal(t, 0, general)
	require.Equal(t, 2, reserve)

	require.NoError(t, a.Close())
}

func TestSegletAllocatorGeneralPoolUtilization(t *testing.T) {
	a := NewSegletAllocator(4096)
	require.True(t, a.GrowGeneralPool(4))
	require.Equal(t, 0, a.GeneralPoolUtilization())

	got, err := a.Alloc(1, FlagNone)
	require.NoError(t, err)
	require.Equal(t, 25, a.GeneralPoolUtilization())

	a.Free(got)
	require.Equal(t, 0, a.GeneralPoolUtilization())

	require.NoError(t, a.Close())
}
