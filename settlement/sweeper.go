package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/order"
)

// TransferLister finds markers that never reached the ledger.
type TransferLister interface {
	ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Transfer, error)
}

// SweepConfig tunes the background pass.
type SweepConfig struct {
	// AutoConfirmAfter of zero disables auto-confirmation.
	AutoConfirmAfter time.Duration
	// RetryGrace keeps the sweeper off markers an in-flight request is
	// still settling.
	RetryGrace time.Duration
	BatchSize  int
}

// SweepReport counts what one pass did.
type SweepReport struct {
	TransfersSettled int
	TransfersFailed  int
	Released         int
	AutoConfirmed    int
}

// Sweeper re-drives work that a request could not finish.
type Sweeper struct {
	svc       *Service
	transfers TransferLister
	cfg       SweepConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewSweeper(svc *Service, transfers TransferLister, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{svc: svc, transfers: transfers, cfg: cfg, logger: logger, now: time.Now}
}

// Run performs one full pass.
func (w *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	if err := w.RetryTransfers(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := w.ReleaseStranded(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := w.AutoConfirm(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	w.logger.Info("settlement sweep finished",
		zap.Int("transfers_settled", report.TransfersSettled),
		zap.Int("transfers_failed", report.TransfersFailed),
		zap.Int("released", report.Released),
		zap.Int("auto_confirmed", report.AutoConfirmed),
	)
	return report, errors.Join(errs...)
}

// RetryTransfers pushes pending and failed markers to the ledger again.
func (w *Sweeper) RetryTransfers(ctx context.Context, report *SweepReport) error {
	cutoff := w.now().Add(-w.cfg.RetryGrace)
	pending, err := w.transfers.ListUnsettled(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.svc.settler.Settle(ctx, t); err != nil {
			report.TransfersFailed++
			continue
		}
		report.TransfersSettled++
	}
	return nil
}

// ReleaseStranded releases orders both parties confirmed whose release
// transaction never ran.
func (w *Sweeper) ReleaseStranded(ctx context.Context, report *SweepReport) error {
	stranded, err := w.svc.store.ListStranded(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, o := range stranded {
		res, err := w.svc.release(ctx, o, "", "sweeper")
		if err != nil && !errors.Is(err, order.ErrSettlementBlocked) {
			w.logger.Warn("stranded release failed", zap.String("order_id", o.ID), zap.Error(err))
		}
		if res.Outcome == OutcomeReleased {
			report.Released++
		}
	}
	return nil
}

// AutoConfirm confirms on behalf of a party that stayed silent for longer
// than AutoConfirmAfter. It does nothing when the window is zero.
func (w *Sweeper) AutoConfirm(ctx context.Context, report *SweepReport) error {
	if w.cfg.AutoConfirmAfter <= 0 {
		return nil
	}
	cutoff := w.now().Add(-w.cfg.AutoConfirmAfter)
	waiting, err := w.svc.store.ListAwaitingCounterparty(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, o := range waiting {
		missing := order.RoleBuyer
		if o.BuyerConfirmedAt != nil {
			missing = order.RoleSeller
		}
		res, err := w.svc.confirm(ctx, o, missing, "", actionlog.ActorSystem)
		if err != nil && !errors.Is(err, order.ErrSettlementBlocked) {
			w.logger.Warn("auto-confirm failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if res.Outcome == OutcomeConfirmed || res.Outcome == OutcomeReleased {
			report.AutoConfirmed++
		}
	}
	return nil
}
