package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/storage"
)

// SweeperConfig controls the background reconciliation pass.
type SweeperConfig struct {
	Interval         time.Duration // how often to run; 0 disables the sweeper
	Batch            int           // pending purchases examined per pass
	ReceiptRetention time.Duration // receipts of settled purchases older than this are deleted; 0 keeps them
}

// Sweeper periodically completes pending purchases whose receipts arrived
// before the purchase existed, and prunes receipts past retention.
type Sweeper struct {
	reconciler *Reconciler
	store      Store
	config     SweeperConfig
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	stopChan   chan struct{}
	doneChan   chan struct{}

	// cursor resumes the next pass after the last purchase examined, so
	// purchases that stay pending cannot hold the head of every batch.
	mu     sync.Mutex
	cursor storage.PendingCursor
}

// NewSweeper creates a sweeper. Call Start to run it.
func NewSweeper(r *Reconciler, store Store, cfg SweeperConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{
		reconciler: r,
		store:      store,
		config:     cfg,
		logger:     logger,
		metrics:    metricsCollector,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	if s.config.Interval <= 0 {
		s.logger.Info().Msg("sweeper.disabled")
		close(s.doneChan)
		return
	}

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("batch", s.config.Batch).
		Dur("receipt_retention", s.config.ReceiptRetention).
		Msg("sweeper.started")

	go s.run()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("sweeper.stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// SweepResult summarises one pass.
type SweepResult struct {
	Examined        int
	Reconciled      int
	ReceiptsDeleted int64
}

// RunOnce performs a single pass over the next batch of pending purchases
// with a decisive receipt. A short batch wraps the next pass back to the
// oldest. Errors are logged, never returned, so one bad purchase cannot
// stall the rest of the batch.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult

	pending, err := s.store.ListPendingWithReceipts(ctx, s.cursor, s.config.Batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweeper.list_pending_failed")
	}
	res.Examined = len(pending)
	switch {
	case err != nil:
	case len(pending) < s.config.Batch:
		s.cursor = storage.PendingCursor{}
	default:
		s.cursor = storage.CursorAt(pending[len(pending)-1])
	}

	for _, p := range pending {
		out, err := s.reconciler.ReconcileReference(ctx, p.PaymentReference)
		if err != nil {
			s.logger.Warn().Err(err).Str("reference", p.PaymentReference).Msg("sweeper.reconcile_failed")
			continue
		}
		if out.Result == ResultIssued || out.Result == ResultFailed {
			res.Reconciled++
		}
	}

	if s.config.ReceiptRetention > 0 {
		cutoff := time.Now().Add(-s.config.ReceiptRetention)
		res.ReceiptsDeleted, err = s.store.DeleteReceiptsBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("sweeper.receipt_cleanup_failed")
		}
	}

	s.metrics.ObserveSweep(res.Reconciled, res.ReceiptsDeleted)
	if res.Reconciled > 0 || res.ReceiptsDeleted > 0 {
		s.logger.Info().
			Int("examined", res.Examined).
			Int("reconciled", res.Reconciled).
			Int64("receipts_deleted", res.ReceiptsDeleted).
			Msg("sweeper.pass_completed")
	}
	return res
}
