package settlement

import (
	"context"
	"time"

	"github.com/riverqueue/river"
)

// Periodic job arguments. Each Kind is unique per job; river's periodic
// scheduler plus the deterministic batch period key keep a run per period.

type DailySettlementArgs struct{}

func (DailySettlementArgs) Kind() string { return "daily_settlement" }

type WeeklyPayoutArgs struct{}

func (WeeklyPayoutArgs) Kind() string { return "weekly_payout" }

type MonthlyReconciliationArgs struct{}

func (MonthlyReconciliationArgs) Kind() string { return "monthly_reconciliation" }

type ExpireEscrowsArgs struct{}

func (ExpireEscrowsArgs) Kind() string { return "expire_escrows" }

type ReconcileRefundsArgs struct{}

func (ReconcileRefundsArgs) Kind() string { return "reconcile_refunds" }

type DailySettlementWorker struct {
	river.WorkerDefaults[DailySettlementArgs]
	processor *Processor
}

func NewDailySettlementWorker(p *Processor) *DailySettlementWorker {
	return &DailySettlementWorker{processor: p}
}

func (w *DailySettlementWorker) Work(ctx context.Context, _ *river.Job[DailySettlementArgs]) error {
	_, err := w.processor.RunDailySettlement(ctx, time.Now().UTC())
	return err
}

type WeeklyPayoutWorker struct {
	river.WorkerDefaults[WeeklyPayoutArgs]
	processor *Processor
}

func NewWeeklyPayoutWorker(p *Processor) *WeeklyPayoutWorker {
	return &WeeklyPayoutWorker{processor: p}
}

func (w *WeeklyPayoutWorker) Work(ctx context.Context, _ *river.Job[WeeklyPayoutArgs]) error {
	_, err := w.processor.RunWeeklyPayout(ctx, time.Now().UTC())
	return err
}

type MonthlyReconciliationWorker struct {
	river.WorkerDefaults[MonthlyReconciliationArgs]
	processor *Processor
}

func NewMonthlyReconciliationWorker(p *Processor) *MonthlyReconciliationWorker {
	return &MonthlyReconciliationWorker{processor: p}
}

func (w *MonthlyReconciliationWorker) Work(ctx context.Context, _ *river.Job[MonthlyReconciliationArgs]) error {
	_, err := w.processor.RunMonthlyReconciliation(ctx, time.Now().UTC())
	return err
}

type ExpireEscrowsWorker struct {
	river.WorkerDefaults[ExpireEscrowsArgs]
	processor *Processor
}

func NewExpireEscrowsWorker(p *Processor) *ExpireEscrowsWorker {
	return &ExpireEscrowsWorker{processor: p}
}

func (w *ExpireEscrowsWorker) Work(ctx context.Context, _ *river.Job[ExpireEscrowsArgs]) error {
	_, err := w.processor.ExpireEscrows(ctx, time.Now().UTC())
	return err
}

type ReconcileRefundsWorker struct {
	river.WorkerDefaults[ReconcileRefundsArgs]
	processor *Processor
}

func NewReconcileRefundsWorker(p *Processor) *ReconcileRefundsWorker {
	return &ReconcileRefundsWorker{processor: p}
}

func (w *ReconcileRefundsWorker) Work(ctx context.Context, _ *river.Job[ReconcileRefundsArgs]) error {
	_, err := w.processor.ReconcileRefunds(ctx, time.Now().UTC())
	return err
}

// PeriodicJobs is the schedule wired into the river client: settlement
// daily, payouts weekly, reconciliation monthly, expiry sweep hourly, refund
// reconcile every 15 minutes. The deterministic batch period key makes an
// extra run for an already-settled period a no-op.
func PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return DailySettlementArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(7*24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return WeeklyPayoutArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(30*24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return MonthlyReconciliationArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireEscrowsArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(15*time.Minute),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileRefundsArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
