package library

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHoldMonitorExpiresStaleHolds(t *testing.T) {
	metrics := newTestMetrics()
	lm, clock := newTestManager(t, WithMetrics(metrics))
	ctx := context.Background()
	m := addMember(t, lm, "Forgetful", MembershipStandard)
	b, _ := addBook(t, lm, "Left Behind", 1)
	r, err := lm.CreateReservation(ctx, m.ID, b.ID)
	require.NoError(t, err)

	clock.Advance(lm.Policy().HoldWindow() + time.Minute)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		NewHoldMonitor(lm, zaptest.NewLogger(t), 10*time.Millisecond).Run(runCtx)
	}()

	assert.Eventually(t, func() bool {
		got, err := lm.GetReservation(ctx, r.ID)
		return err == nil && got.Status == ReservationExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	rep := requireConsistent(t, lm, b.ID)
	assert.Equal(t, 1, rep.AvailableCopies)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HoldsExpired))
}
