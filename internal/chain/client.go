// Package chain implements domain.Ledger against an Ethereum-compatible
// JSON-RPC endpoint using go-ethereum's ethclient.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/openclob/marketsync/internal/domain"
)

// orderbookABI is the fragment of the exchange orderbook contract the engine
// consumes: the three order-lifecycle events and the two paginated depth
// views.
const orderbookABI = `[
	{"type":"event","name":"OrderPlaced","inputs":[
		{"name":"isSell","type":"bool","indexed":true},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderFilled","inputs":[
		{"name":"isSell","type":"bool","indexed":true},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"OrderCanceled","inputs":[
		{"name":"isSell","type":"bool","indexed":true},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"function","name":"sellLevels","stateMutability":"view","inputs":[
		{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
		"outputs":[{"name":"prices","type":"uint256[]"},{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"buyLevels","stateMutability":"view","inputs":[
		{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
		"outputs":[{"name":"prices","type":"uint256[]"},{"name":"amounts","type":"uint256[]"}]}
]`

// tsCacheMax bounds the in-memory block-timestamp cache. The cache is cleared
// wholesale when full; timestamps are cheap to re-fetch.
const tsCacheMax = 8192

// ClientConfig holds the parameters for the chain client.
type ClientConfig struct {
	RPCURL     string
	MaxLogSpan uint64
}

// Client implements domain.Ledger over JSON-RPC.
type Client struct {
	eth        *ethclient.Client
	abi        abi.ABI
	maxLogSpan uint64

	topicPlaced   common.Hash
	topicFilled   common.Hash
	topicCanceled common.Hash

	mu      sync.Mutex
	tsCache map[uint64]time.Time

	logger *slog.Logger
}

// New dials the RPC endpoint and verifies connectivity by fetching the
// current block number.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(orderbookABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse orderbook abi: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	c := &Client{
		eth:           eth,
		abi:           parsed,
		maxLogSpan:    cfg.MaxLogSpan,
		topicPlaced:   parsed.Events["OrderPlaced"].ID,
		topicFilled:   parsed.Events["OrderFilled"].ID,
		topicCanceled: parsed.Events["OrderCanceled"].ID,
		tsCache:       make(map[uint64]time.Time),
		logger:        logger.With(slog.String("component", "chain")),
	}

	if _, err := c.CurrentHeight(ctx); err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// CurrentHeight returns the latest confirmed block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	h, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return h, nil
}

// GetLogs fetches and decodes the market's order events for the inclusive
// block range. Logs the provider cannot decode are skipped with a warning;
// a malformed third-party log must not wedge synchronization.
func (c *Client) GetLogs(ctx context.Context, market string, fromBlock, toBlock uint64) ([]domain.MarketEvent, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("chain: get logs [%d,%d]: %w", fromBlock, toBlock, domain.ErrInvalidRange)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(market)},
		Topics: [][]common.Hash{
			{c.topicPlaced, c.topicFilled, c.topicCanceled},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs %s [%d,%d]: %w", market, fromBlock, toBlock, err)
	}

	events := make([]domain.MarketEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := c.decodeLog(market, l)
		if err != nil {
			c.logger.Warn("skipping undecodable log",
				slog.String("market", market),
				slog.Uint64("block", l.BlockNumber),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeLog maps a raw log to a MarketEvent.
func (c *Client) decodeLog(market string, l types.Log) (domain.MarketEvent, error) {
	if len(l.Topics) < 2 {
		return domain.MarketEvent{}, fmt.Errorf("%w: %d topics", domain.ErrDecodeLog, len(l.Topics))
	}

	var kind domain.EventKind
	switch l.Topics[0] {
	case c.topicPlaced:
		kind = domain.EventOrderPlaced
	case c.topicFilled:
		kind = domain.EventOrderFilled
	case c.topicCanceled:
		kind = domain.EventOrderCanceled
	default:
		return domain.MarketEvent{}, fmt.Errorf("%w: topic %s", domain.ErrDecodeLog, l.Topics[0].Hex())
	}

	side := domain.SideBuy
	if l.Topics[1] != (common.Hash{}) {
		side = domain.SideSell
	}

	if len(l.Data) < 64 {
		return domain.MarketEvent{}, fmt.Errorf("%w: %d data bytes", domain.ErrDecodeLog, len(l.Data))
	}
	price := new(big.Int).SetBytes(l.Data[:32])
	amount := new(big.Int).SetBytes(l.Data[32:64])

	return domain.MarketEvent{
		Market:   market,
		Kind:     kind,
		Side:     side,
		Block:    l.BlockNumber,
		LogIndex: uint32(l.Index),
		Price:    price.Int64(),
		Amount:   amount.Int64(),
		TxHash:   l.TxHash.Hex(),
	}, nil
}

// BlockTimestamp resolves a block number to its timestamp, memoizing results.
func (c *Client) BlockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	c.mu.Lock()
	if ts, ok := c.tsCache[block]; ok {
		c.mu.Unlock()
		return ts, nil
	}
	c.mu.Unlock()

	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", block, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()

	c.mu.Lock()
	if len(c.tsCache) >= tsCacheMax {
		c.tsCache = make(map[uint64]time.Time)
	}
	c.tsCache[block] = ts
	c.mu.Unlock()

	return ts, nil
}

// DepthPage reads one page of resting levels from the orderbook contract's
// sellLevels/buyLevels views, best-first.
func (c *Client) DepthPage(ctx context.Context, market string, side domain.Side, offset, limit int) ([]domain.PriceLevel, error) {
	method := "buyLevels"
	if side == domain.SideSell {
		method = "sellLevels"
	}

	data, err := c.abi.Pack(method, big.NewInt(int64(offset)), big.NewInt(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	addr := common.HexToAddress(market)
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, market, err)
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("chain: unpack %s: want 2 outputs, got %d", method, len(out))
	}
	prices, ok1 := out[0].([]*big.Int)
	amounts, ok2 := out[1].([]*big.Int)
	if !ok1 || !ok2 || len(prices) != len(amounts) {
		return nil, fmt.Errorf("chain: unpack %s: mismatched level arrays", method)
	}

	levels := make([]domain.PriceLevel, len(prices))
	for i := range prices {
		levels[i] = domain.PriceLevel{
			Price:  prices[i].Int64(),
			Amount: amounts[i].Int64(),
		}
	}
	return levels, nil
}

// MaxLogSpan returns the provider's maximum block span per log query.
func (c *Client) MaxLogSpan() uint64 {
	return c.maxLogSpan
}

// Compile-time interface check.
var _ domain.Ledger = (*Client)(nil)
