package library

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HoldMonitor periodically expires holds whose pickup window has passed.
type HoldMonitor struct {
	lm       *LibraryManager
	log      *zap.Logger
	interval time.Duration
}

func NewHoldMonitor(lm *LibraryManager, log *zap.Logger, interval time.Duration) *HoldMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HoldMonitor{lm: lm, log: log, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (m *HoldMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *HoldMonitor) sweepOnce(ctx context.Context) {
	start := time.Now()
	n, err := m.lm.ExpireHolds(ctx)
	// Only log when something happened.
	if n == 0 && err == nil {
		return
	}
	fields := []zap.Field{zap.String("op", "hold_sweep"), zap.Int("expired", n),
		zap.Int64("latency_ms", time.Since(start).Milliseconds())}
	if err != nil {
		m.log.Warn("hold sweep incomplete", append(fields, zap.Error(err))...)
		return
	}
	m.log.Info("hold sweep", fields...)
}
