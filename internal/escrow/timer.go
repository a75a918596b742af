package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/obridge/internal/metrics"
)

// Timer periodically refunds open escrows whose refund boundary has passed.
type Timer struct {
	service  *Service
	store    Store
	relayer  common.Address
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new refund watcher. relayer is recorded as the
// settling account on every refund it submits.
func NewTimer(service *Service, store Store, relayer common.Address, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		relayer:  relayer,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the refund loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRefundExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRefundExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.refundExpired(ctx)
}

// refundExpired returns the number of escrows refunded in this sweep.
func (t *Timer) refundExpired(ctx context.Context) int {
	now := t.service.Now().Unix()

	expired, err := t.store.ListRefundable(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list refundable escrows", "error", err)
		metrics.RefundWatcherRuns.WithLabelValues("escrow", "list_error").Inc()
		return 0
	}

	refunded := 0
	for _, e := range expired {
		if _, err := t.service.Refund(ctx, e.ID, t.relayer); err != nil {
			// Lost the race to a confirm or another refunder.
			if errors.Is(err, ErrEscrowClosed) {
				metrics.RefundWatcherRuns.WithLabelValues("escrow", "skipped").Inc()
				continue
			}
			t.logger.Warn("failed to refund escrow",
				"escrowId", e.ID.String(),
				"error", err,
			)
			metrics.RefundWatcherRuns.WithLabelValues("escrow", "error").Inc()
			continue
		}
		refunded++
		metrics.RefundWatcherRuns.WithLabelValues("escrow", "refunded").Inc()
		t.logger.Info("refunded expired escrow",
			"escrowId", e.ID.String(),
			"from", e.From.Hex(),
			"refundAt", e.RefundAt,
		)
	}
	return refunded
}
