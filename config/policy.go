package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reconciliation policy knobs. The defaults mirror the values the relay
// fleet was tuned against; deployments override them via env.
//
// - REVENUE_TOLERANCE               (default 0.01)
// - QUALITY_DEDUCT_ANOMALY          (default 20)
// - QUALITY_DEDUCT_NO_MACHINE_DATA  (default 30)
// - QUALITY_DEDUCT_ZERO_REVENUE     (default 10)
// - BATCH_WINDOW_SECONDS            (default 45)
// - MATERIALIZE_MAX_ATTEMPTS        (default 3)

// RevenueTolerance is the allowed |total_revenue - (total_money_in - total_collect)|
// before the revenue-identity anomaly fires.
func RevenueTolerance() decimal.Decimal {
	if v := strings.TrimSpace(os.Getenv("REVENUE_TOLERANCE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.NewFromFloat(0.01)
}

func QualityDeductAnomaly() int {
	return intFromEnv("QUALITY_DEDUCT_ANOMALY", 20)
}

func QualityDeductNoMachineData() int {
	return intFromEnv("QUALITY_DEDUCT_NO_MACHINE_DATA", 30)
}

func QualityDeductZeroRevenue() int {
	return intFromEnv("QUALITY_DEDUCT_ZERO_REVENUE", 10)
}

// BatchWindow is how long a relay's report window stays open for merging.
func BatchWindow() time.Duration {
	return time.Duration(intFromEnv("BATCH_WINDOW_SECONDS", 45)) * time.Second
}

// MaterializeMaxAttempts caps per-event retries before an event is left
// unprocessed and surfaced through the stuck-events signal.
func MaterializeMaxAttempts() int {
	n := intFromEnv("MATERIALIZE_MAX_ATTEMPTS", 3)
	if n < 1 {
		return 1
	}
	return n
}
