package cmd

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/analysis"
	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/metrics"
	"github.com/spigell/resume-worker/internal/queue"
	"github.com/spigell/resume-worker/internal/webhook"
	"github.com/spigell/resume-worker/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume resume analysis jobs until SIGINT or SIGTERM",
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd, map[string]string{
			"worker.concurrency": "concurrency",
			"queue.name":         "queue",
			"queue.backend":      "backend",
			"metrics.address":    "metrics-address",
		})
	},
	Run: func(_ *cobra.Command, _ []string) {
		runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntP("concurrency", "c", 2, "jobs processed in parallel")
	workerCmd.Flags().StringP("queue", "q", "resume-analysis", "queue name to consume")
	workerCmd.Flags().String("backend", queue.BackendRedis, "queue backend: redis or rabbitmq")
	workerCmd.Flags().String("metrics-address", "", "serve prometheus metrics on this address, e.g. :9090")
}

func runWorker() {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync() //nolint:errcheck

	config, err := loadConfig(viper.GetViper())
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the resume-worker", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config.redacted(), "", "  ")
	logger.Debug("starting with config", zap.ByteString("config", pretty))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	completer, err := newCompleter(ctx, config.AI, logger.Named("llm"))
	if err != nil {
		logger.Fatal("creating an llm client", zap.Error(err))
	}

	analyzer, err := analysis.NewAnalyzer(completer, analysis.Config{
		ValidateSchema: config.Analysis.ValidateSchema,
		MaxLogLength:   config.AI.MaxLogLength,
	}, logger.Named("analysis"))
	if err != nil {
		logger.Fatal("creating an analyzer", zap.Error(err))
	}

	notifier := webhook.New(config.Webhook.BaseURL, config.Webhook.Timeout, logger.Named("webhook"), m)

	runtime, err := queue.Open(ctx, config.queueConfig(), config.queueOptions(logger))
	if err != nil {
		logger.Fatal("connecting to the queue backend", zap.String("backend", config.Queue.Backend), zap.Error(err))
	}
	defer runtime.Close()

	consumer, err := worker.New(worker.Config{
		QueueName:   config.Queue.Name,
		Concurrency: config.Worker.Concurrency,
	}, worker.Deps{
		Runtime:  runtime,
		Analyzer: analyzer,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("creating a consumer", zap.Error(err))
	}

	if config.Metrics.Address != "" {
		go func() {
			if err := metrics.Serve(ctx, config.Metrics.Address, registry, logger.Named("metrics")); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// The consumer is stopped explicitly below so in-flight jobs are not cut by the signal.
	if err := consumer.Start(context.Background()); err != nil {
		logger.Fatal("starting the consumer", zap.Error(err))
	}

	logger.Info("waiting for jobs",
		zap.String("queue", config.Queue.Name),
		zap.String("webhook", notifier.URL()),
		zap.String("model", completer.Model()),
	)

	select {
	case <-ctx.Done():
		logger.Info("exiting", zap.String("reason", "termination signal received"))
	case err := <-consumer.Done():
		if err == nil {
			err = queue.ErrWorkerLost
		}
		if stopErr := consumer.Stop(context.Background()); stopErr != nil {
			logger.Error("stopping the consumer", zap.Error(stopErr))
		}
		runtime.Close()
		// Exit non-zero so the supervisor restarts the worker.
		logger.Fatal("queue consumer stopped", zap.Error(err))
	}

	if err := consumer.Stop(context.Background()); err != nil {
		logger.Error("stopping the consumer", zap.Error(err))
	}
}
