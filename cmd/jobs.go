package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/service"
	"github.com/vibast-solutions/ms-go-proxy-payments/config"
)

var (
	workerMode bool
)

// batchJob is one maintenance batch over payments and its worker cadence.
type batchJob struct {
	name     string
	interval func(config.JobsConfig) time.Duration
	batch    func(*service.PaymentService) func(context.Context) error
}

var (
	reconcileJob = batchJob{
		name:     "reconcile",
		interval: func(cfg config.JobsConfig) time.Duration { return cfg.ReconcileInterval },
		batch:    func(s *service.PaymentService) func(context.Context) error { return s.RunReconcileBatch },
	}
	webhooksReplayJob = batchJob{
		name:     "webhooks_replay",
		interval: func(cfg config.JobsConfig) time.Duration { return cfg.WebhookReplayInterval },
		batch:    func(s *service.PaymentService) func(context.Context) error { return s.RunReplayWebhooksBatch },
	}
	expirePendingJob = batchJob{
		name:     "expire_pending",
		interval: func(cfg config.JobsConfig) time.Duration { return cfg.ExpirePendingInterval },
		batch:    func(s *service.PaymentService) func(context.Context) error { return s.RunExpirePendingBatch },
	}
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify stale pending payments with their provider",
	Run:   reconcileJob.command,
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Run provider webhook related commands",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-apply recorded provider webhooks whose processing failed",
	Run:   webhooksReplayJob.command,
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run expiration-related commands",
}

var expirePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Cancel pending payments the provider never settled",
	Run:   expirePendingJob.command,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(webhooksCmd)
	rootCmd.AddCommand(expireCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)
	expireCmd.AddCommand(expirePendingCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func (j batchJob) command(_ *cobra.Command, _ []string) {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := j.batch(paymentService)
	if !workerMode {
		runBatch(ctx, j.name, run)
		return
	}

	if err := runWorker(ctx, j.name, j.interval(cfg.Jobs), run); err != nil {
		logrus.WithError(err).WithField("job", j.name).Fatal("Worker failed to start")
	}
	logrus.WithField("job", j.name).Info("Worker stopped")
}

var errInvalidInterval = errors.New("worker interval must be positive")

// runWorker runs the batch immediately and then on every tick until ctx is done.
func runWorker(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) error {
	if interval <= 0 {
		return errInvalidInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runBatch(ctx, name, run)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runBatch reports whether the batch succeeded. A batch cut short by shutdown is not a failure.
func runBatch(ctx context.Context, name string, run func(context.Context) error) bool {
	start := time.Now()
	err := run(ctx)
	entry := logrus.WithFields(logrus.Fields{
		"job":     name,
		"latency": time.Since(start).String(),
	})
	switch {
	case err == nil:
		entry.Info("job_completed")
		return true
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		entry.Warn("job_interrupted")
		return false
	default:
		entry.WithError(err).Error("job_failed")
		return false
	}
}
