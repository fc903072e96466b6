package vesting

import (
	"fmt"
	"time"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
)

// Schedule is the release curve of one (token, market) pair.
type Schedule struct {
	BPPrecision         uint64      `json:"bp_precision"`
	InitialUnlockBP     uint64      `json:"initial_unlock_bp"`
	InitialUnlockDate   time.Time   `json:"initial_unlock_date"`
	PeriodicUnlockBP    uint64      `json:"periodic_unlock_bp"`
	PeriodicUnlockDates []time.Time `json:"periodic_unlock_dates"`
}

func (s Schedule) Validate() error {
	if s.BPPrecision == 0 {
		return fmt.Errorf("%w: bp precision must be positive", core.ErrInvalidSchedule)
	}
	if s.InitialUnlockBP > s.BPPrecision {
		return fmt.Errorf("%w: initial unlock %d exceeds precision %d", core.ErrInvalidSchedule, s.InitialUnlockBP, s.BPPrecision)
	}
	if s.PeriodicUnlockBP > s.BPPrecision {
		return fmt.Errorf("%w: periodic unlock %d exceeds precision %d", core.ErrInvalidSchedule, s.PeriodicUnlockBP, s.BPPrecision)
	}
	for i := 1; i < len(s.PeriodicUnlockDates); i++ {
		if s.PeriodicUnlockDates[i].Before(s.PeriodicUnlockDates[i-1]) {
			return fmt.Errorf("%w: periodic unlock dates out of order at %d", core.ErrInvalidSchedule, i)
		}
	}
	return nil
}

// Started reports whether any part of the curve has unlocked at t.
func (s Schedule) Started(t time.Time) bool {
	if !t.Before(s.InitialUnlockDate) {
		return true
	}
	return len(s.PeriodicUnlockDates) > 0 && !t.Before(s.PeriodicUnlockDates[0])
}

// UnlockedBP is the cumulative unlocked fraction at t, capped at BPPrecision.
// It is non-decreasing in t.
func (s Schedule) UnlockedBP(t time.Time) uint64 {
	var unlocked uint64
	if !t.Before(s.InitialUnlockDate) {
		unlocked = s.InitialUnlockBP
	}
	for _, d := range s.PeriodicUnlockDates {
		if t.Before(d) {
			continue
		}
		if unlocked >= s.BPPrecision || s.PeriodicUnlockBP >= s.BPPrecision-unlocked {
			return s.BPPrecision
		}
		unlocked += s.PeriodicUnlockBP
	}
	return min(unlocked, s.BPPrecision)
}
