package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/crypto"
)

// Config defines the HTTP client settings for the position indexer.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RetryAttempts     int
	RetryBackoff      time.Duration
	Logger            *slog.Logger
}

// Client retrieves eligible LP positions and pool ticks from the indexer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	attempts   int
	backoff    time.Duration
	logger     *slog.Logger
}

type positionPayload struct {
	PositionID string   `json:"positionId"`
	Owner      string   `json:"owner"`
	NFTID      string   `json:"nftId"`
	Pool       string   `json:"pool"`
	ValueUSD   *float64 `json:"valueUsd"`
	Liquidity  string   `json:"liquidity"`
	TickLower  int32    `json:"tickLower"`
	TickUpper  int32    `json:"tickUpper"`
	FullRange  bool     `json:"fullRange"`
	InRange    bool     `json:"inRange"`
	CreatedAt  int64    `json:"createdAt"`
}

type listPayload struct {
	Positions []positionPayload `json:"positions"`
	Next      string            `json:"next"`
}

type tickPayload struct {
	Tick *int32 `json:"tick"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("positions: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	wait := cfg.RetryBackoff
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		attempts:   attempts,
		backoff:    wait,
		logger:     logger,
	}, nil
}

// ListEligiblePositions pages through every eligible position. Entries whose owner
// is not a valid address are dropped and logged. A missing USD value marks the
// snapshot stale so the caller can fall back to the last persisted value.
func (c *Client) ListEligiblePositions(ctx context.Context) ([]rewards.PositionSnapshot, error) {
	if c == nil {
		return nil, fmt.Errorf("positions: client not configured")
	}
	var out []rewards.PositionSnapshot
	cursor := ""
	for {
		endpoint := c.baseURL + "/positions"
		if cursor != "" {
			endpoint += "?cursor=" + url.QueryEscape(cursor)
		}
		var payload listPayload
		if err := c.getJSON(ctx, endpoint, &payload); err != nil {
			return nil, err
		}
		for _, item := range payload.Positions {
			snapshot, err := item.snapshot()
			if err != nil {
				c.logger.Warn("dropping malformed position",
					slog.String("position_id", item.PositionID),
					slog.Any("error", err))
				continue
			}
			out = append(out, snapshot)
		}
		if payload.Next == "" || payload.Next == cursor {
			break
		}
		cursor = payload.Next
	}
	return out, nil
}

// CurrentTick returns the current tick of the pool.
func (c *Client) CurrentTick(ctx context.Context, pool string) (int32, error) {
	if c == nil {
		return 0, fmt.Errorf("positions: client not configured")
	}
	pool = strings.TrimSpace(pool)
	if pool == "" {
		return 0, fmt.Errorf("%w: pool address required", claimable.ErrValidation)
	}
	var payload tickPayload
	if err := c.getJSON(ctx, fmt.Sprintf("%s/pools/%s/tick", c.baseURL, url.PathEscape(pool)), &payload); err != nil {
		return 0, err
	}
	if payload.Tick == nil {
		return 0, fmt.Errorf("%w: pool %s tick missing", claimable.ErrUpstreamData, pool)
	}
	return *payload.Tick, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx)
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("positions: request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("positions: call: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			statusErr := fmt.Errorf("positions: unexpected status %d", resp.StatusCode)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return backoff.Permanent(fmt.Errorf("positions: decode: %w", err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("position indexer call failed, retrying",
			slog.String("endpoint", endpoint),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, bounded, notify); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", claimable.ErrUpstreamData, err)
	}
	return nil
}

func (p positionPayload) snapshot() (rewards.PositionSnapshot, error) {
	id := strings.TrimSpace(p.PositionID)
	if id == "" {
		id = strings.TrimSpace(p.NFTID)
	}
	if id == "" {
		return rewards.PositionSnapshot{}, fmt.Errorf("position id required")
	}
	owner, err := crypto.ParseAddress(p.Owner)
	if err != nil {
		return rewards.PositionSnapshot{}, err
	}
	if !p.FullRange && p.TickLower >= p.TickUpper {
		return rewards.PositionSnapshot{}, fmt.Errorf("tick range [%d, %d) is empty", p.TickLower, p.TickUpper)
	}
	liquidity := new(big.Int)
	if raw := strings.TrimSpace(p.Liquidity); raw != "" {
		if _, ok := liquidity.SetString(raw, 10); !ok {
			return rewards.PositionSnapshot{}, fmt.Errorf("invalid liquidity %q", p.Liquidity)
		}
	}
	snapshot := rewards.PositionSnapshot{
		PositionID:  id,
		UserID:      crypto.NormalizeAddress(owner),
		NFTID:       strings.TrimSpace(p.NFTID),
		PoolAddress: strings.ToLower(strings.TrimSpace(p.Pool)),
		Liquidity:   liquidity,
		TickLower:   p.TickLower,
		TickUpper:   p.TickUpper,
		IsFullRange: p.FullRange,
		IsInRange:   p.FullRange || p.InRange,
	}
	if p.CreatedAt > 0 {
		snapshot.CreatedAt = time.Unix(p.CreatedAt, 0).UTC()
	}
	if p.ValueUSD == nil || *p.ValueUSD < 0 {
		snapshot.ValueStale = true
	} else {
		snapshot.ValueUSD = *p.ValueUSD
	}
	return snapshot, nil
}
