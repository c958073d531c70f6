package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
)

// DefaultPageSize is the listing page size when none is configured.
const DefaultPageSize = 100

const listQuery = `query ListMediaItems($first: Int!, $after: String, $afterId: ID, $since: DateTime, $pids: [ID!]) {
  all_media_items(first: $first, after: $after, after_id: $afterId, updated_since: $since, pids: $pids) {
    items { id pid updated_at }
    next_cursor
  }
}`

const detailQuery = `query GetMediaItem($id: ID!) {
  media_item(id: $id) {
    id
    pid
    title
    year
    updated_at
    metadata
    digital_assets { id role url filename mime_type use_for_ml ml_pages }
  }
}`

// GraphQLOptions configures a GraphQLSource.
type GraphQLOptions struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	PageSize   int
	Circuit    resilience.CircuitBreakerConfig
	HTTPClient *http.Client
}

// GraphQLSource lists and resolves media items against the archive GraphQL
// API. HTTP 408/429/5xx, timeouts and an open circuit are returned as
// resilience.TransientError; everything else is permanent. It does not
// retry on its own.
type GraphQLSource struct {
	opts    GraphQLOptions
	client  *http.Client
	limiter *AdaptiveLimiter
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewGraphQL creates a GraphQL source client.
func NewGraphQL(opts GraphQLOptions) *GraphQLSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &GraphQLSource{
		opts:    opts,
		client:  client,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: resilience.NewCircuitBreaker(opts.Circuit),
		log:     zap.L().With(zap.String("component", "source.graphql"), zap.String("endpoint", opts.Endpoint)),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (g *GraphQLSource) Breaker() *resilience.CircuitBreaker { return g.breaker }

func (g *GraphQLSource) ListPage(ctx context.Context, req model.ListRequest, cursor string) (model.Page, error) {
	first := req.PageSize
	if first <= 0 {
		first = g.opts.PageSize
	}
	vars := map[string]any{"first": first}
	if cursor != "" {
		vars["after"] = cursor
	}
	if len(req.PIDs) > 0 {
		vars["pids"] = req.PIDs
	} else if req.Since != nil {
		vars["since"] = req.Since.UTC().Format(time.RFC3339)
	}
	if req.After != "" {
		vars["afterId"] = req.After
	}

	var out struct {
		AllMediaItems struct {
			Items []struct {
				ID        string `json:"id"`
				PID       string `json:"pid"`
				UpdatedAt string `json:"updated_at"`
			} `json:"items"`
			NextCursor string `json:"next_cursor"`
		} `json:"all_media_items"`
	}
	if err := g.do(ctx, listQuery, vars, &out); err != nil {
		return model.Page{}, eris.Wrap(err, "graphql: list media items")
	}

	page := model.Page{NextCursor: out.AllMediaItems.NextCursor}
	for _, it := range out.AllMediaItems.Items {
		page.Items = append(page.Items, model.ItemRef{
			ExternalID:   it.ID,
			PID:          it.PID,
			LastModified: parseUpdatedAt(it.UpdatedAt),
		})
	}
	return page, nil
}

func (g *GraphQLSource) Resolve(ctx context.Context, ref model.ItemRef) (model.ExternalItem, error) {
	var out struct {
		MediaItem *mediaItem `json:"media_item"`
	}
	if err := g.do(ctx, detailQuery, map[string]any{"id": ref.ExternalID}, &out); err != nil {
		return model.ExternalItem{}, eris.Wrapf(err, "graphql: resolve %s", ref.ExternalID)
	}
	if out.MediaItem == nil {
		return model.ExternalItem{}, eris.Errorf("graphql: media item %s not found", ref.ExternalID)
	}
	return out.MediaItem.toExternal(), nil
}

type graphqlError struct {
	Message string `json:"message"`
}

// do sends one GraphQL request through the limiter and the breaker and
// decodes its data member into out.
func (g *GraphQLSource) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	data, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (json.RawMessage, error) {
		return g.post(ctx, query, vars)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return resilience.NewTransientError(err, 0)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode data")
	}
	return nil
}

func (g *GraphQLSource) post(ctx context.Context, query string, vars map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return nil, eris.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "corpus-cli/1.0")
	if g.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.opts.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, eris.Wrap(err, "post")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		g.limiter.OnRateLimit()
		return nil, resilience.NewTransientError(eris.Errorf("http 429 from %s", g.opts.Endpoint), resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		g.log.Warn("source returned retryable status", zap.Int("status", resp.StatusCode))
		return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, g.opts.Endpoint), resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, eris.Errorf("http %d from %s: %s", resp.StatusCode, g.opts.Endpoint, truncate(string(raw), 200))
	}
	g.limiter.OnSuccess()

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return nil, eris.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	return envelope.Data, nil
}

func parseUpdatedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
