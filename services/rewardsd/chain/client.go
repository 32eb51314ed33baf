package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"lpmining/core/claimable"
)

// claimContractABI covers the read surface of the reward claim contract.
const claimContractABI = `[
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claimedAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"absoluteMaxClaim","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Claimed","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"nonce","type":"uint256","indexed":false}]}
]`

var parsedABI = mustParseABI(claimContractABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse claim contract abi: %v", err))
	}
	return parsed
}

// EVMClient defines the subset of the Ethereum RPC used by the claim reader.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ClaimIndex persists the Claimed event scan: a cursor plus the latest claim time
// per user address (lowercase hex).
type ClaimIndex interface {
	ClaimCursor(ctx context.Context) (next uint64, ok bool, err error)
	AdvanceClaims(ctx context.Context, next uint64, claims map[string]time.Time) error
	LastClaim(ctx context.Context, user string) (time.Time, error)
}

// Config tunes the claim contract reader.
type Config struct {
	Contract      common.Address
	StartBlock    uint64
	RetryAttempts int
	RetryBackoff  time.Duration
	// LogRange bounds the block span of a single eth_getLogs request.
	LogRange uint64
	// Index stores scanned claim events. Nil keeps them in memory.
	Index  ClaimIndex
	Logger *slog.Logger
}

// State is a single-request view of a user's on-chain claim state.
type State struct {
	Nonce            *big.Int
	ClaimedAmount    *big.Int
	Paused           bool
	AbsoluteMaxClaim *big.Int
	LastClaim        time.Time
}

// Client reads the claim contract. Contract state is never cached beyond the
// call; claim events are indexed incrementally.
type Client struct {
	evm        EVMClient
	contract   common.Address
	startBlock uint64
	logRange   uint64
	attempts   int
	backoff    time.Duration
	index      ClaimIndex
	logger     *slog.Logger

	scanMu sync.Mutex
}

// NewClient constructs a claim contract reader.
func NewClient(evm EVMClient, cfg Config) (*Client, error) {
	if evm == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("claim contract address required")
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	wait := cfg.RetryBackoff
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	logRange := cfg.LogRange
	if logRange == 0 {
		logRange = 2000
	}
	index := cfg.Index
	if index == nil {
		index = newMemoryIndex()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		evm:        evm,
		contract:   cfg.Contract,
		startBlock: cfg.StartBlock,
		logRange:   logRange,
		attempts:   attempts,
		backoff:    wait,
		index:      index,
		logger:     logger,
	}, nil
}

// Contract returns the claim contract address.
func (c *Client) Contract() common.Address { return c.contract }

// Nonce returns nonces(user).
func (c *Client) Nonce(ctx context.Context, user common.Address) (*big.Int, error) {
	return c.callUint(ctx, nil, "nonces", user)
}

// ClaimedAmount returns claimedAmount(user) in base units.
func (c *Client) ClaimedAmount(ctx context.Context, user common.Address) (*big.Int, error) {
	return c.callUint(ctx, nil, "claimedAmount", user)
}

// AbsoluteMaxClaim returns the contract-wide per-claim cap. Zero means uncapped.
func (c *Client) AbsoluteMaxClaim(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, nil, "absoluteMaxClaim")
}

// Paused reports whether the contract currently rejects claims.
func (c *Client) Paused(ctx context.Context) (bool, error) {
	return c.pausedAt(ctx, nil)
}

func (c *Client) pausedAt(ctx context.Context, block *big.Int) (bool, error) {
	out, err := c.call(ctx, block, "paused")
	if err != nil {
		return false, err
	}
	paused, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: paused: unexpected output %T", claimable.ErrUpstreamData, out[0])
	}
	return paused, nil
}

// LastClaimTime brings the claim index up to the latest block and returns the
// user's latest claim time. The zero time means no claim was found.
func (c *Client) LastClaimTime(ctx context.Context, user common.Address) (time.Time, error) {
	head, err := c.head(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return c.lastClaimThrough(ctx, user, head.Number.Uint64())
}

// ReadState performs every read the claim path needs for one request. All reads
// are pinned to a single block so the nonce, the claimed amount and the claim
// history describe the same chain state.
func (c *Client) ReadState(ctx context.Context, user common.Address) (State, error) {
	head, err := c.head(ctx)
	if err != nil {
		return State{}, err
	}
	block := new(big.Int).Set(head.Number)
	var state State
	if state.Paused, err = c.pausedAt(ctx, block); err != nil {
		return State{}, err
	}
	if state.Nonce, err = c.callUint(ctx, block, "nonces", user); err != nil {
		return State{}, err
	}
	if state.ClaimedAmount, err = c.callUint(ctx, block, "claimedAmount", user); err != nil {
		return State{}, err
	}
	if state.AbsoluteMaxClaim, err = c.callUint(ctx, block, "absoluteMaxClaim"); err != nil {
		return State{}, err
	}
	if state.LastClaim, err = c.lastClaimThrough(ctx, user, block.Uint64()); err != nil {
		return State{}, err
	}
	return state, nil
}

func (c *Client) head(ctx context.Context) (*gethtypes.Header, error) {
	header, err := retry(ctx, c, "latest header", func() (*gethtypes.Header, error) {
		return c.evm.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, err
	}
	if header == nil || header.Number == nil {
		return nil, fmt.Errorf("%w: latest header missing", claimable.ErrUpstreamData)
	}
	return header, nil
}

func (c *Client) lastClaimThrough(ctx context.Context, user common.Address, head uint64) (time.Time, error) {
	if err := c.SyncClaims(ctx, head); err != nil {
		return time.Time{}, err
	}
	last, err := c.index.LastClaim(ctx, strings.ToLower(user.Hex()))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: claim index: %v", claimable.ErrUpstreamData, err)
	}
	return last, nil
}

// SyncClaims scans Claimed events from the index cursor through head in windows of
// at most LogRange blocks, committing the cursor after each window.
func (c *Client) SyncClaims(ctx context.Context, head uint64) error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	from, ok, err := c.index.ClaimCursor(ctx)
	if err != nil {
		return fmt.Errorf("%w: claim cursor: %v", claimable.ErrUpstreamData, err)
	}
	if !ok || from < c.startBlock {
		from = c.startBlock
	}
	event := parsedABI.Events["Claimed"]
	for from <= head {
		to := from + c.logRange - 1
		if to > head || to < from {
			to = head
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{c.contract},
			Topics:    [][]common.Hash{{event.ID}},
		}
		logs, err := retry(ctx, c, "filter claimed logs", func() ([]gethtypes.Log, error) {
			return c.evm.FilterLogs(ctx, query)
		})
		if err != nil {
			return err
		}
		claims, err := c.claimTimes(ctx, logs)
		if err != nil {
			return err
		}
		if err := c.index.AdvanceClaims(ctx, to+1, claims); err != nil {
			return fmt.Errorf("%w: advance claim index: %v", claimable.ErrUpstreamData, err)
		}
		if len(claims) > 0 {
			c.logger.Debug("indexed claim events",
				slog.Uint64("from_block", from),
				slog.Uint64("to_block", to),
				slog.Int("users", len(claims)))
		}
		from = to + 1
	}
	return nil
}

// claimTimes resolves the block time of the latest claim per user in logs.
func (c *Client) claimTimes(ctx context.Context, logs []gethtypes.Log) (map[string]time.Time, error) {
	claims := make(map[string]time.Time)
	blockTimes := make(map[uint64]time.Time)
	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 2 {
			continue
		}
		at, ok := blockTimes[entry.BlockNumber]
		if !ok {
			number := new(big.Int).SetUint64(entry.BlockNumber)
			header, err := retry(ctx, c, "claim block header", func() (*gethtypes.Header, error) {
				return c.evm.HeaderByNumber(ctx, number)
			})
			if err != nil {
				return nil, err
			}
			if header == nil {
				return nil, fmt.Errorf("%w: header %d missing", claimable.ErrUpstreamData, entry.BlockNumber)
			}
			at = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[entry.BlockNumber] = at
		}
		user := strings.ToLower(common.BytesToAddress(entry.Topics[1].Bytes()).Hex())
		if at.After(claims[user]) {
			claims[user] = at
		}
	}
	return claims, nil
}

func (c *Client) callUint(ctx context.Context, block *big.Int, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, block, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok || value == nil {
		return nil, fmt.Errorf("%w: %s: unexpected output %T", claimable.ErrUpstreamData, method, out[0])
	}
	return new(big.Int).Set(value), nil
}

func (c *Client) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	contract := c.contract
	msg := ethereum.CallMsg{To: &contract, Data: input}
	raw, err := retry(ctx, c, method, func() ([]byte, error) {
		return c.evm.CallContract(ctx, msg, block)
	})
	if err != nil {
		return nil, err
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", claimable.ErrUpstreamData, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no data", claimable.ErrUpstreamData, method)
	}
	return out, nil
}

// retry runs op with bounded exponential backoff and wraps the final failure as
// upstream data unavailability.
func retry[T any](ctx context.Context, c *Client, label string, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoff
	policy.MaxInterval = 4 * c.backoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("claim contract read failed, retrying",
			slog.String("call", label),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}
	value, err := backoff.RetryNotifyWithData(func() (T, error) {
		if err := ctx.Err(); err != nil {
			return *new(T), backoff.Permanent(err)
		}
		return op()
	}, bounded, notify)
	if err != nil {
		var zero T
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s: %v", claimable.ErrUpstreamData, label, err)
	}
	return value, nil
}

// memoryIndex is the process-local ClaimIndex used when no store is configured.
type memoryIndex struct {
	mu     sync.Mutex
	next   uint64
	primed bool
	claims map[string]time.Time
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{claims: make(map[string]time.Time)}
}

func (m *memoryIndex) ClaimCursor(context.Context) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, m.primed, nil
}

func (m *memoryIndex) AdvanceClaims(_ context.Context, next uint64, claims map[string]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for user, at := range claims {
		if at.After(m.claims[user]) {
			m.claims[user] = at
		}
	}
	m.next = next
	m.primed = true
	return nil
}

func (m *memoryIndex) LastClaim(_ context.Context, user string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[user], nil
}
