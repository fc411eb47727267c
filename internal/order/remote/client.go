// Package remote talks to the order platform's JSON API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/order/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

var ErrInvalidConfig = errors.New("invalid_remote_config")

type Options struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// QueryCost and MutationCost are charged when a response carries no cost block.
	QueryCost    float64
	MutationCost float64
	HTTPClient   *http.Client
}

type Client struct {
	opts   Options
	http   *http.Client
	tokens TokenSource
	log    *zap.Logger
	tracer trace.Tracer
}

type Params struct {
	fx.In

	Config config.Config
	Rules  *config.RulesHolder
	Log    *zap.Logger
}

// Provide builds the client from environment configuration.
func Provide(p Params) (*Client, error) {
	var tokens TokenSource = StaticToken(p.Config.Remote.Token)
	if p.Config.Remote.TokenFile != "" {
		ft, err := NewFileToken(p.Config.Remote.TokenFile)
		if err != nil {
			return nil, err
		}
		tokens = ft
	}
	rules := p.Rules.Get()
	return NewClient(Options{
		BaseURL:      p.Config.Remote.BaseURL,
		Timeout:      p.Config.Remote.Timeout,
		MaxRetries:   p.Config.Remote.MaxRetries,
		QueryCost:    rules.QueryCost,
		MutationCost: rules.MutationCost,
	}, tokens, p.Log)
}

func NewClient(opts Options, tokens TokenSource, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" || tokens == nil {
		return nil, ErrInvalidConfig
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:   opts,
		http:   httpClient,
		tokens: tokens,
		log:    log.Named("order.remote"),
		tracer: otel.Tracer("github.com/smallbiznis/declara/internal/order/remote"),
	}, nil
}

func (c *Client) Query(ctx context.Context, filter domain.Filter, cursor string) (domain.Page, error) {
	req := searchRequest{
		Destination: filter.Destination,
		Query:       filter.Query,
		First:       filter.PageSize,
		After:       cursor,
		SortKey:     sortCreatedAt,
	}
	if !filter.Since.IsZero() {
		since := filter.Since.UTC()
		req.CreatedAfter = &since
	}

	var resp searchResponse
	status, err := c.do(ctx, "orders.search", "/orders/search", req, &resp)
	if err != nil {
		return domain.Page{}, fmt.Errorf("query %s: %w", filter.Name, err)
	}
	if status == http.StatusUnprocessableEntity {
		return domain.Page{}, fmt.Errorf("query %s: remote rejected filter", filter.Name)
	}
	return domain.Page{
		Orders:     resp.Orders,
		NextCursor: resp.PageInfo.EndCursor,
		HasMore:    resp.PageInfo.HasNextPage,
		Cost:       resp.Cost.toDomain(c.opts.QueryCost),
	}, nil
}

func (c *Client) ApplyFieldUpdates(ctx context.Context, orderID string, fields []domain.FieldUpdate) (domain.Cost, error) {
	var resp mutationResponse
	status, err := c.do(ctx, "orders.metafields", "/orders/"+url.PathEscape(orderID)+"/metafields", fieldsRequest{Fields: fields}, &resp)
	if err != nil {
		return domain.Cost{}, err
	}
	return c.mutationResult(orderID, status, resp)
}

func (c *Client) ApplyTag(ctx context.Context, orderID, tag string) (domain.Cost, error) {
	var resp mutationResponse
	status, err := c.do(ctx, "orders.tags", "/orders/"+url.PathEscape(orderID)+"/tags", tagsRequest{Tags: []string{tag}}, &resp)
	if err != nil {
		return domain.Cost{}, err
	}
	return c.mutationResult(orderID, status, resp)
}

// RefreshCredentials forces the token source to renew.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	return c.tokens.Refresh(ctx)
}

func (c *Client) mutationResult(orderID string, status int, resp mutationResponse) (domain.Cost, error) {
	cost := resp.Cost.toDomain(c.opts.MutationCost)
	if len(resp.UserErrors) > 0 || status == http.StatusUnprocessableEntity {
		errs := resp.UserErrors
		if len(errs) == 0 {
			errs = []domain.FieldError{{Message: "unprocessable entity"}}
		}
		return cost, &domain.MutationError{OrderID: orderID, Errors: errs}
	}
	return cost, nil
}

// do POSTs body and decodes the response into out. Transport failures, 429
// and 5xx are retried with exponential backoff. Auth failures refresh the
// token and are returned without retry.
func (c *Client) do(ctx context.Context, op, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", op, err)
	}

	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	attempts := 0
	operation := func() (int, error) {
		attempts++
		return c.attempt(ctx, path, payload, out)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn("remote.request.retry",
				zap.String("operation", op),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	span.SetAttributes(
		attribute.String("remote.operation", op),
		attribute.Int("http.status_code", status),
		attribute.Int("remote.attempts", attempts),
	)
	if err != nil {
		var retryAfter *backoff.RetryAfterError
		if errors.As(err, &retryAfter) {
			err = fmt.Errorf("%w: rate limited", domain.ErrTransport)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return status, err
	}
	return status, nil
}

func (c *Client) attempt(ctx context.Context, path string, payload []byte, out any) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrAuth, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, backoff.Permanent(ctxErr)
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		if refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
			c.log.Warn("remote.credentials.refresh_failed", zap.Error(refreshErr))
		}
		return code, backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrAuth, code))
	case code == http.StatusTooManyRequests:
		if secs := retryAfterSeconds(resp.Header.Get("Retry-After")); secs > 0 {
			return code, backoff.RetryAfter(secs)
		}
		return code, fmt.Errorf("%w: status %d", domain.ErrTransport, code)
	case code >= 500:
		return code, fmt.Errorf("%w: status %d", domain.ErrTransport, code)
	case code >= 200 && code < 300, code == http.StatusUnprocessableEntity:
		if out != nil && len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, out); err != nil && code != http.StatusUnprocessableEntity {
				return code, backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return code, nil
	default:
		return code, backoff.Permanent(fmt.Errorf("remote request failed: status %d: %s", code, snippet(raw)))
	}
}

func retryAfterSeconds(value string) int {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return secs
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
