package swap

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

// Timer periodically refunds open swaps whose confirm window has lapsed.
type Timer struct {
	service  *Service
	store    Store
	relayer  common.Address
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

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
			func() {
				defer func() {
					if r := recover(); r != nil {
						t.logger.Error("panic in swap timer", "panic", fmt.Sprint(r))
					}
				}()
				t.refundExpired(ctx)
			}()
		}
	}
}

func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) refundExpired(ctx context.Context) int {
	expired, err := t.store.ListRefundable(ctx, t.service.Now().Unix(), 100)
	if err != nil {
		t.logger.Warn("failed to list refundable swaps", "error", err)
		metrics.RefundWatcherRuns.WithLabelValues("swap", "list_error").Inc()
		return 0
	}

	refunded := 0
	for _, sw := range expired {
		if _, err := t.service.Refund(ctx, sw.ID, t.relayer); err != nil {
			if errors.Is(err, ErrSwapClosed) {
				metrics.RefundWatcherRuns.WithLabelValues("swap", "skipped").Inc()
				continue
			}
			t.logger.Warn("failed to refund swap", "swapId", sw.ID.String(), "error", err)
			metrics.RefundWatcherRuns.WithLabelValues("swap", "error").Inc()
			continue
		}
		refunded++
		metrics.RefundWatcherRuns.WithLabelValues("swap", "refunded").Inc()
		t.logger.Info("refunded expired swap", "swapId", sw.ID.String(), "from", sw.From.Hex())
	}
	return refunded
}
