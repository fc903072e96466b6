package refund

import (
	"fmt"

	"github.com/malbeclabs/kpivest/ledger/pkg/core"
)

// validateKPIs checks a whole KPI list against its neighbour bounds. It runs
// on every edit; callers never get to skip it with a pre-sorted list.
func validateKPIs(bpPrecision uint64, kpis []core.KPI) error {
	if bpPrecision == 0 {
		return fmt.Errorf("%w: bp precision must be positive", core.ErrInvalidKPI)
	}
	if len(kpis) == 0 {
		return fmt.Errorf("%w: at least one kpi is required", core.ErrInvalidKPI)
	}
	for i, k := range kpis {
		if k.WindowEnd.Before(k.WindowStart) {
			return fmt.Errorf("%w: kpi %d window ends before it starts", core.ErrInvalidKPI, i)
		}
		if k.CumulativeUnlockBP > bpPrecision {
			return fmt.Errorf("%w: kpi %d unlock %d exceeds precision %d", core.ErrInvalidKPI, i, k.CumulativeUnlockBP, bpPrecision)
		}
		if i == 0 {
			continue
		}
		prev := kpis[i-1]
		if k.WindowStart.Before(prev.WindowEnd) {
			return fmt.Errorf("%w: kpi %d window starts before kpi %d ends", core.ErrInvalidKPI, i, i-1)
		}
		if k.CumulativeUnlockBP < prev.CumulativeUnlockBP {
			return fmt.Errorf("%w: kpi %d unlock %d below kpi %d unlock %d", core.ErrInvalidKPI, i, k.CumulativeUnlockBP, i-1, prev.CumulativeUnlockBP)
		}
	}
	if last := kpis[len(kpis)-1]; last.CumulativeUnlockBP != bpPrecision {
		return fmt.Errorf("%w: last kpi must release %d, got %d", core.ErrInvalidKPI, bpPrecision, last.CumulativeUnlockBP)
	}
	return nil
}

// baselineBP is the unlock fraction below KPI i's slice.
func baselineBP(kpis []core.KPI, i int) uint64 {
	if i == 0 {
		return 0
	}
	return kpis[i-1].CumulativeUnlockBP
}
