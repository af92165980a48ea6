// Package brevo 是 Brevo 联系人接口的 HTTP 客户端。
//
// 客户端只负责一次调用和错误分类；重试与退避由发件箱分发器决定。
package brevo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"funnel-sync-go/internal/config"
	"funnel-sync-go/internal/metrics"
	"funnel-sync-go/internal/tracing"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.brevo.com/v3"
	DefaultTimeout = 10 * time.Second

	breakerName = "brevo-api"

	// 错误响应体只保留前面一段写入 last_error
	maxErrorBodyBytes = 2048
)

// Options 客户端参数
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// <= 0 表示不限流
	RequestsPerSecond float64
	Burst             int

	// 连续失败次数达到阈值时熔断，<= 0 表示不启用熔断
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	HTTPClient *http.Client
}

// OptionsFromConfig 由配置构造客户端参数
func OptionsFromConfig(cfg config.BrevoConfig) Options {
	return Options{
		APIKey:                  cfg.APIKey,
		BaseURL:                 cfg.BaseURL,
		Timeout:                 time.Duration(cfg.TimeoutSeconds) * time.Second,
		RequestsPerSecond:       cfg.RequestsPerSecond,
		Burst:                   cfg.Burst,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerOpenTimeout:      time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	}
}

// Client Brevo API 客户端，可并发使用
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[struct{}]
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewClient 创建客户端
func NewClient(opts Options, logger zerolog.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	c := &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: httpClient,
		limiter:    limiter,
		tracer:     otel.Tracer("funnel-sync-go/brevo"),
		logger:     logger,
	}
	if opts.BreakerFailureThreshold > 0 {
		c.breaker = newBreaker(uint32(opts.BreakerFailureThreshold), opts.BreakerOpenTimeout, logger)
	}
	return c
}

func newBreaker(threshold uint32, openTimeout time.Duration, logger zerolog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 永久错误说明接口是通的，不计入熔断
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("熔断器状态变化")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// UpsertContact 创建或更新联系人 (POST /contacts)。
// 返回 nil、*TransientError 或 *PermanentError。
func (c *Client) UpsertContact(ctx context.Context, contact Contact) error {
	ctx, span := c.tracer.Start(ctx, "brevo.UpsertContact",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("brevo.contact.email", tracing.MaskEmail(contact.Email)),
			attribute.Int("brevo.contact.list_count", len(contact.ListIDs)),
		),
	)
	defer span.End()

	if c.apiKey == "" {
		err := &PermanentError{Message: ErrMissingAPIKey.Error(), Err: ErrMissingAPIKey}
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	body, err := contact.RequestBody()
	if err != nil {
		perr := &PermanentError{Message: "序列化请求体失败", Err: err}
		tracing.RecordError(span, perr, tracing.ErrorTypePermanent)
		return perr
	}

	if err := c.limiter.Wait(ctx); err != nil {
		terr := &TransientError{Message: "等待限流令牌失败", Err: err}
		tracing.RecordError(span, terr, tracing.ErrorTypeTransient)
		return terr
	}

	if c.breaker == nil {
		err = c.post(ctx, span, "/contacts", body)
	} else {
		_, err = c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.post(ctx, span, "/contacts", body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &TransientError{Message: "熔断器打开，暂停调用 Brevo", Err: err}
			tracing.RecordError(span, err, tracing.ErrorTypeTransient)
		}
	}
	if err != nil {
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// post 发送一次请求并按状态码分类错误
func (c *Client) post(ctx context.Context, span trace.Span, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: "创建请求失败", Err: err}
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.BrevoRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BrevoRequests.WithLabelValues(metrics.StatusClass(0)).Inc()
		terr := &TransientError{Message: "请求 Brevo 失败", Err: err}
		tracing.RecordHTTPError(span, terr, 0, tracing.ErrorTypeTransient)
		return terr
	}
	defer resp.Body.Close()

	metrics.BrevoRequests.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := classifyStatus(resp.StatusCode, strings.TrimSpace(string(respBody)), parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	errType := tracing.ErrorTypePermanent
	if !IsPermanent(apiErr) {
		errType = tracing.ErrorTypeTransient
	}
	tracing.RecordHTTPError(span, apiErr, resp.StatusCode, errType)
	c.logger.Debug().
		Int("status", resp.StatusCode).
		Str("body", tracing.TruncateString(string(respBody), tracing.DefaultMaxLength)).
		Msg("Brevo 返回错误")
	return apiErr
}

// parseRetryAfter 解析 Retry-After 头，支持秒数和 HTTP 日期两种格式
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
