package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funnel-sync-go/internal/config"
	appLogger "funnel-sync-go/internal/logger"
	"funnel-sync-go/internal/report"
	"funnel-sync-go/internal/storage"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitBadUsage = 2
)

type options struct {
	configPath string
	period     report.Period
	funnelType string
	format     report.Format
}

// parseArgs 解析并校验参数，参数错误在连接数据库之前返回
func parseArgs(args []string, now time.Time, loc *time.Location) (options, error) {
	var (
		opts     options
		fromDate string
		toDate   string
		days     int
		format   string
	)
	fs := pflag.NewFlagSet("report", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	fs.StringVar(&fromDate, "from-date", "", "Start date (YYYY-MM-DD, inclusive)")
	fs.StringVar(&toDate, "to-date", "", "End date (YYYY-MM-DD, exclusive)")
	fs.StringVar(&opts.funnelType, "funnel", "", "Only report this funnel (language or non_language)")
	fs.IntVar(&days, "days", 0, "Report the last N days when --from-date is not given")
	fs.StringVar(&format, "format", string(report.FormatTable), "Output format: table or json")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	period, err := report.ParsePeriod(fromDate, toDate, days, now, loc)
	if err != nil {
		return opts, err
	}
	opts.period = period

	if !report.ValidFunnelFilter(opts.funnelType) {
		return opts, fmt.Errorf("无效的漏斗类型: %q", opts.funnelType)
	}
	if opts.format, err = report.ParseFormat(format); err != nil {
		return opts, err
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args, time.Now(), time.Local)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadUsage
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitFailure
	}
	// 报表输出到 stdout，日志只保留警告以上
	logCloser, err := appLogger.Init(appLogger.Config{Level: "warn", Format: cfg.Logger.Format, File: cfg.Logger.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitFailure
	}
	defer logCloser.Close()
	log := appLogger.Component("report")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 报表不需要运行锁
	cfg.Redis.Address = ""
	storageManager, err := storage.NewStorage(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		log.Error().Err(err).Msg("初始化存储失败")
		return exitFailure
	}
	defer storageManager.Close()

	return generate(ctx, report.NewService(storageManager.Entries, log), opts, os.Stdout, log)
}

func generate(ctx context.Context, service *report.Service, opts options, out io.Writer, log zerolog.Logger) int {
	rows, err := service.Summary(ctx, opts.period.From, opts.period.To)
	if err != nil {
		log.Error().Err(err).Msg("生成转化报表失败")
		return exitFailure
	}
	rows = report.FilterFunnel(rows, opts.funnelType)

	if err := report.Render(out, rows, opts.period, opts.format); err != nil {
		log.Error().Err(err).Msg("输出报表失败")
		return exitFailure
	}
	return exitOK
}
