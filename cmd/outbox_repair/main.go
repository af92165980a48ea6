package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/constants"
	appLogger "funnel-sync-go/internal/logger"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/storage/models"
	"funnel-sync-go/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// failedStore 失败消息的查询与重新入队，由 storage.OutboxRepository 实现
type failedStore interface {
	ListFailed(ctx context.Context, filter storage.FailedFilter) ([]models.OutboxMessage, error)
	RequeueFailed(ctx context.Context, filter storage.FailedFilter, now time.Time) (int64, error)
}

var _ failedStore = (*storage.OutboxRepository)(nil)

type options struct {
	configPath string
	filter     storage.FailedFilter
	dryRun     bool
}

// parseArgs 解析命令行参数，参数错误时返回 error，进程以 2 退出
func parseArgs(args []string) (options, error) {
	var (
		opts      options
		status    string
		operation string
		ids       []int64
		limit     int
	)
	fs := pflag.NewFlagSet("outbox_repair", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	fs.StringVar(&status, "status", constants.OutboxStatusFailed, "Only failed messages can be repaired")
	fs.StringVar(&operation, "operation", "", "Filter by operation type (create_contact or purchase_update)")
	fs.Int64SliceVar(&ids, "id", nil, "Outbox message id, repeatable")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "List matching messages without re-queueing them")
	fs.IntVar(&limit, "limit", 0, "Max messages to touch (0 means no limit)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if status != constants.OutboxStatusFailed {
		return opts, fmt.Errorf("只支持 --status %s", constants.OutboxStatusFailed)
	}
	if operation != "" && operation != constants.OperationCreateContact && operation != constants.OperationPurchaseUpdate {
		return opts, fmt.Errorf("无效的操作类型: %q", operation)
	}
	if limit < 0 {
		return opts, fmt.Errorf("--limit 不能为负数")
	}

	for _, id := range ids {
		if id <= 0 {
			return opts, fmt.Errorf("无效的消息ID: %d", id)
		}
		opts.filter.IDs = append(opts.filter.IDs, uint64(id))
	}
	opts.filter.OperationType = operation
	opts.filter.Limit = limit
	return opts, nil
}

// outbox_repair 人工处理进入 failed 终态的发件箱消息。
// --dry-run 只列出匹配的消息；否则将其重新放回 pending 并清零重试次数。
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	logCloser, err := appLogger.Init(appLogger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		File:   cfg.Logger.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	log := appLogger.Component("outbox_repair")

	ctx := context.Background()
	cfg.Redis.Address = ""
	storageManager, err := storage.NewStorage(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		log.Error().Err(err).Msg("初始化存储失败")
		return 1
	}
	defer storageManager.Close()

	return repair(ctx, storageManager.Outbox, opts.filter, opts.dryRun, os.Stdout, log)
}

func repair(ctx context.Context, repo failedStore, filter storage.FailedFilter, dryRun bool, out io.Writer, log zerolog.Logger) int {
	messages, err := repo.ListFailed(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("查询失败消息失败")
		return 1
	}
	printMessages(out, messages)

	if dryRun {
		log.Info().Int("matched", len(messages)).Msg("演练模式，未修改任何消息")
		return 0
	}
	if len(messages) == 0 {
		return 0
	}

	requeued, err := repo.RequeueFailed(ctx, filter, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("重新入队失败")
		return 1
	}
	log.Info().Int("matched", len(messages)).Int64("requeued", requeued).Msg("失败消息已重新入队")
	return 0
}

func printMessages(out io.Writer, messages []models.OutboxMessage) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "(no failed messages)")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTRY\tOPERATION\tRETRIES\tUPDATED\tLAST ERROR")
	for _, m := range messages {
		lastErr := ""
		if m.LastError != nil {
			lastErr = tracing.TruncateString(*m.LastError, 80)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\n",
			m.ID, m.FunnelEntryID, m.OperationType, m.RetryCount,
			m.UpdatedAt.Format(time.RFC3339), lastErr)
	}
	_ = tw.Flush()
}
