package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funnel-sync-go/internal/brevo"
	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/job"
	appLogger "funnel-sync-go/internal/logger"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/tracing"
	"funnel-sync-go/internal/types"

	"github.com/spf13/pflag"
)

var version = "1.0.0" //nolint:gochecknoglobals

func main() {
	os.Exit(run())
}

// run 执行一次完整的同步，返回进程退出码。
// 0 表示本轮正常结束（包括有消息被重试或判定失败），1 表示初始化或存储故障。
func run() int {
	var (
		configPath string
		dryRun     bool
		limit      int
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.BoolVar(&dryRun, "dry-run", true, "Simulate writes and Brevo calls (overrides APP_DRY_RUN when given)")
	pflag.IntVar(&limit, "limit", 0, "Max candidates selected per run (0 uses config)")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	if pflag.CommandLine.Changed("dry-run") {
		cfg.App.DryRun = &dryRun
	}
	if limit > 0 {
		cfg.Funnel.CandidateLimit = limit
	}

	logCloser, err := appLogger.Init(appLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		File:         cfg.Logger.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	log := appLogger.Component("main")
	mode := types.ModeFromDryRun(cfg.App.IsDryRun())
	log.Info().
		Str("version", version).
		Str("environment", cfg.App.Environment).
		Str("mode", mode.String()).
		Msg("配置加载成功")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.App.Environment,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Error().Err(err).Msg("初始化追踪失败")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("关闭追踪导出失败")
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		log.Error().Err(err).Msg("初始化存储失败")
		return 1
	}
	defer storageManager.Close()

	client := brevo.NewClient(brevo.OptionsFromConfig(cfg.Brevo), appLogger.Component("brevo"))

	runner, err := job.Build(cfg, storageManager, client)
	if err != nil {
		log.Error().Err(err).Msg("装配同步任务失败")
		return 1
	}

	summary, err := runner.RunOnce(ctx, mode)
	// 运行失败也推送一次，让 last_success 之外的指标可见
	runner.PushMetrics(context.Background())
	if err != nil {
		log.Error().Err(err).Str("run_id", summary.RunID).Msg("同步运行失败")
		return 1
	}
	if summary.Skipped {
		log.Info().Str("run_id", summary.RunID).Msg("已有同步在运行，本次跳过")
	}
	return 0
}
