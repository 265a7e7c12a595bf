package dispatch

import (
	"math"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
)

const (
	adaptiveFloor   = 3000 * time.Millisecond
	manualFloor     = 2000 * time.Millisecond
	adaptiveCeiling = 60 * time.Second
	jitterSpread    = 0.30

	// failedTailDelay is waited after the final recipient when its send failed.
	failedTailDelay = time.Second
)

// BaseDelay is the pause between two ordinary sends before jitter.
func BaseDelay(p campaign.Pacing, recipients int) time.Duration {
	base := time.Duration(p.BaseDelaySeconds) * time.Second
	switch p.DelayType {
	case campaign.DelayAdaptive:
		return max(adaptiveFloor, base)
	case campaign.DelayManual:
		return max(manualFloor, base)
	}
	switch {
	case recipients <= 20:
		return 3000 * time.Millisecond
	case recipients <= 50:
		return 5000 * time.Millisecond
	case recipients <= 100:
		return 8000 * time.Millisecond
	default:
		return 12000 * time.Millisecond
	}
}

// Jitter spreads d uniformly over [0.7d, 1.3d]; r must be in [0, 1).
func Jitter(d time.Duration, r float64) time.Duration {
	f := 1 - jitterSpread + 2*jitterSpread*r
	return time.Duration(math.Round(float64(d) * f))
}

// Tune adjusts an adaptive delay from the outcome of the last batch. It never
// drops below floor or rises above one minute.
func Tune(d, floor time.Duration, sent, failed int) time.Duration {
	total := sent + failed
	if total == 0 {
		return d
	}
	switch {
	case float64(failed)/float64(total) > 0.2:
		return min(adaptiveCeiling, d*3/2)
	case failed == 0:
		return max(floor, d*9/10)
	}
	return d
}
