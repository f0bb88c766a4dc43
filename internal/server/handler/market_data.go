package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclob/marketsync/internal/domain"
	"github.com/openclob/marketsync/internal/market"
)

// historyLimitMax caps the number of bars one history request may return.
const historyLimitMax = 1000

// MarketDataHandler serves the read API over the engine's views. The
// publisher keeps the live views active, so depth and ticker reads return
// warm state.
type MarketDataHandler struct {
	engine *market.Engine
	logger *slog.Logger
}

// NewMarketDataHandler creates a MarketDataHandler over the engine.
func NewMarketDataHandler(engine *market.Engine, logger *slog.Logger) *MarketDataHandler {
	return &MarketDataHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "market_data")),
	}
}

type marketInfo struct {
	Address      string `json:"address"`
	CreatedBlock uint64 `json:"created_block"`
	PriceScale   int64  `json:"price_scale"`
}

// ListMarkets returns the watched markets.
// GET /api/markets
func (h *MarketDataHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.engine.Markets()
	out := make([]marketInfo, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketInfo{
			Address:      m.Address,
			CreatedBlock: m.CreatedBlock,
			PriceScale:   m.PriceScale,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GetDepth returns both sides of a market's observed depth window.
// GET /api/markets/{address}/depth
func (h *MarketDataHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")
	depth, err := h.engine.PricePoints(address)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": address,
		"sells":  depth.Levels(domain.SideSell),
		"buys":   depth.Levels(domain.SideBuy),
	})
}

// GetHistory returns a market's OHLC bars newest-first, with the in-progress
// live bar attached when one exists.
// GET /api/markets/{address}/history?timeframe=1h&limit=100
func (h *MarketDataHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")

	tfRaw := r.URL.Query().Get("timeframe")
	if tfRaw == "" {
		tfRaw = "1h"
	}
	timeframe, err := time.ParseDuration(tfRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeframe")
		return
	}
	limit := queryInt(r, "limit", 100, historyLimitMax)

	replay, err := h.engine.PriceHistory(r.Context(), address, timeframe)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	bars := make([]domain.Bar, 0, limit)
	for len(bars) < limit {
		bar, ok, err := replay.Next(r.Context())
		if err != nil {
			h.logger.Error("history replay failed",
				slog.String("market", address),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "history replay failed")
			return
		}
		if !ok {
			break
		}
		bars = append(bars, bar)
	}

	body := map[string]any{
		"market":    address,
		"timeframe": market.TimeframeLabel(timeframe),
		"bars":      bars,
	}
	if live, err := h.engine.LiveBar(address, timeframe); err == nil {
		if bar, ok := live.Current(); ok {
			body["live"] = bar
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// GetTicker returns a market's rolling-window ticker value.
// GET /api/markets/{address}/ticker
func (h *MarketDataHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")
	ticker, err := h.engine.PriceTicker(address)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": address,
		"ticker": ticker.Value(),
	})
}

func (h *MarketDataHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownMarket):
		writeError(w, http.StatusNotFound, "unknown market")
	case errors.Is(err, domain.ErrBadTimeframe):
		writeError(w, http.StatusBadRequest, "unsupported timeframe")
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
