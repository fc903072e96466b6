package vesting

import (
	"math"
	"testing"
	"time"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
	"github.com/stretchr/testify/require"
)

func TestKPIVest_Vesting_Schedule(t *testing.T) {
	t.Parallel()

	tge := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		BPPrecision:         10_000,
		InitialUnlockBP:     1_000,
		InitialUnlockDate:   tge,
		PeriodicUnlockBP:    4_000,
		PeriodicUnlockDates: []time.Time{tge.Add(time.Hour), tge.Add(2 * time.Hour), tge.Add(3 * time.Hour)},
	}

	t.Run("validates", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, s.Validate())

		bad := s
		bad.InitialUnlockBP = 10_001
		require.ErrorIs(t, bad.Validate(), core.ErrInvalidSchedule)

		bad = s
		bad.BPPrecision = 0
		require.ErrorIs(t, bad.Validate(), core.ErrInvalidSchedule)

		bad = s
		bad.PeriodicUnlockDates = []time.Time{tge.Add(2 * time.Hour), tge.Add(time.Hour)}
		require.ErrorIs(t, bad.Validate(), core.ErrInvalidSchedule)
	})

	t.Run("unlocks stepwise and caps at precision", func(t *testing.T) {
		t.Parallel()
		require.False(t, s.Started(tge.Add(-time.Second)))
		require.Equal(t, uint64(0), s.UnlockedBP(tge.Add(-time.Second)))

		require.True(t, s.Started(tge))
		require.Equal(t, uint64(1_000), s.UnlockedBP(tge))
		require.Equal(t, uint64(1_000), s.UnlockedBP(tge.Add(time.Hour-time.Nanosecond)))
		require.Equal(t, uint64(5_000), s.UnlockedBP(tge.Add(time.Hour)))
		require.Equal(t, uint64(9_000), s.UnlockedBP(tge.Add(2*time.Hour)))
		require.Equal(t, uint64(10_000), s.UnlockedBP(tge.Add(3*time.Hour)))
		require.Equal(t, uint64(10_000), s.UnlockedBP(tge.Add(1000*time.Hour)))
	})

	t.Run("is monotonic", func(t *testing.T) {
		t.Parallel()
		var prev uint64
		for m := -30; m < 300; m++ {
			cur := s.UnlockedBP(tge.Add(time.Duration(m) * time.Minute))
			require.GreaterOrEqual(t, cur, prev)
			prev = cur
		}
	})

	t.Run("caps without wrapping at large precision", func(t *testing.T) {
		t.Parallel()
		huge := Schedule{
			BPPrecision:         math.MaxUint64,
			InitialUnlockDate:   tge,
			PeriodicUnlockBP:    1 << 63,
			PeriodicUnlockDates: []time.Time{tge.Add(time.Hour), tge.Add(2 * time.Hour), tge.Add(3 * time.Hour)},
		}
		require.NoError(t, huge.Validate())
		require.Equal(t, uint64(1<<63), huge.UnlockedBP(tge.Add(time.Hour)))
		require.Equal(t, uint64(math.MaxUint64), huge.UnlockedBP(tge.Add(2*time.Hour)))
		require.Equal(t, uint64(math.MaxUint64), huge.UnlockedBP(tge.Add(3*time.Hour)))
	})

	t.Run("periodic dates can start the curve", func(t *testing.T) {
		t.Parallel()
		late := Schedule{
			BPPrecision:         100,
			InitialUnlockDate:   tge.Add(10 * time.Hour),
			PeriodicUnlockBP:    50,
			PeriodicUnlockDates: []time.Time{tge, tge.Add(time.Hour)},
		}
		require.True(t, late.Started(tge))
		require.Equal(t, uint64(50), late.UnlockedBP(tge))
	})
}
