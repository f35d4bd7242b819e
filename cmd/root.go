package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/llmserve/llmserve/serving"
	"github.com/llmserve/llmserve/serving/data"
	"github.com/llmserve/llmserve/serving/httpserver"
	"github.com/llmserve/llmserve/serving/queue"
)

var (
	logLevel     string // Log verbosity level
	configFile   string // Optional YAML overlay on the environment config
	redisAddr    string // Redis broker address for the cross-process task queue
	resultDir    string // Optional append-only result file drop
	rank         int    // Model-parallel worker rank of this process
	stepInterval time.Duration
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "llmserve",
	Short: "Batch scheduler and paged-KV serving control plane for LLM inference",
}

// serveCmd runs the engine for one worker rank plus the HTTP edge.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving engine and HTTP front-end",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := serving.LoadConfigFromEnv()
		if err != nil {
			logrus.Fatalf("invalid configuration: %v", err)
		}
		if configFile != "" {
			if err := cfg.ApplyFile(configFile); err != nil {
				logrus.Fatalf("unable to apply config file: %v", err)
			}
			cfg.Postprocess()
			if err := cfg.Check(); err != nil {
				logrus.Fatalf("invalid configuration: %v", err)
			}
		}
		logrus.Infof("starting with max_batch_size=%d max_block_num=%d block_size=%d mp_num=%d",
			cfg.MaxBatchSize, cfg.MaxBlockNum, cfg.BlockSize, cfg.MPNum)

		proc, err := data.NewProcessor(cfg.SrcLength())
		if err != nil {
			logrus.Fatalf("unable to load tokenizer: %v", err)
		}

		taskQueue, probeAddr, err := buildTaskQueue(redisAddr, cfg)
		if err != nil {
			logrus.Fatalf("unable to build task queue: %v", err)
		}

		streams := serving.NewStreamRegistry()
		var sink serving.ResultSink = streams
		if resultDir != "" {
			fileSink, err := serving.NewFileSink(resultDir)
			if err != nil {
				logrus.Fatalf("unable to create result dir: %v", err)
			}
			sink = serving.MultiSink{streams, fileSink}
		}

		metrics := serving.NewMetrics(nil)
		exec := serving.NewSimExecutor(cfg.MaxBatchSize, cfg.DecLenLimit, stepInterval)
		defer exec.Close()

		engine := serving.NewEngine(cfg, taskQueue, exec, sink, proc, streams, metrics, rank)
		checker := serving.NewHealthChecker(cfg, engine.Ready(), engine.Heartbeat(), probeAddr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			logrus.Fatalf("engine start failed: %v", err)
		}

		srv := httpserver.New(engine, checker)
		go func() {
			if err := srv.Run(fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
				logrus.Fatalf("http server failed: %v", err)
			}
		}()

		<-ctx.Done()
		logrus.Info("shutting down")
	},
}

func init() {
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&configFile, "config", "", "YAML config file overlaying the environment")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis broker address for the cross-process task queue (empty = in-process)")
	serveCmd.Flags().StringVar(&resultDir, "result-dir", "", "Directory for append-only per-request result files")
	serveCmd.Flags().IntVar(&rank, "rank", 0, "Model-parallel worker rank")
	serveCmd.Flags().DurationVar(&stepInterval, "step-interval", 20*time.Millisecond, "Simulated executor decode step interval")
	rootCmd.AddCommand(serveCmd)
}

// buildTaskQueue selects the queue transport. Worker ranks beyond the first
// live in separate processes, so mp_num > 1 requires the Redis broker: a
// purely in-process queue would wait forever for ranks that never read.
func buildTaskQueue(redisAddr string, cfg *serving.Config) (serving.TaskQueue, string, error) {
	if redisAddr != "" {
		return queue.NewRedisBroadcast[*serving.Task](redisAddr, "llmserve", cfg.MPNum, cfg.MaxGetNum), redisAddr, nil
	}
	if cfg.MPNum > 1 {
		return nil, "", errors.Errorf("mp_num %d requires --redis; the in-process queue serves a single rank", cfg.MPNum)
	}
	return queue.NewBroadcast[*serving.Task](1, cfg.MaxGetNum), "", nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
