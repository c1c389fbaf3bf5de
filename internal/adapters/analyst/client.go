// Package analyst asks a remote analysis service for an entry plan.
package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketOpenBot/internal/adapters/planfile"
	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
	"marketOpenBot/internal/strategy"
)

// Summarizer computes the indicator context sent with each request.
type Summarizer interface {
	Summarize(ctx context.Context, candles []domain.Candle) (strategy.Summary, error)
}

// Client implements ports.SignalGenerator over HTTP.
type Client struct {
	URL        string
	Http       *http.Client
	defaults   planfile.Defaults
	summarizer Summarizer
	maxCandles int
	logger     ports.Logger
}

// Config holds the analyst endpoint and plan defaults.
type Config struct {
	URL        string
	Timeout    time.Duration // Default 60s; analysis is slow
	Defaults   planfile.Defaults
	MaxCandles int // Candles sent per request, default 60
	Summarizer Summarizer
	Logger     ports.Logger
}

type quote struct {
	Bid   float64 `json:"bid"`
	Offer float64 `json:"offer"`
}

type candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

type request struct {
	Market     string            `json:"market"`
	Epic       string            `json:"epic"`
	Strategy   string            `json:"strategy,omitempty"`
	Time       time.Time         `json:"time"`
	Quote      *quote            `json:"quote,omitempty"`
	Indicators *strategy.Summary `json:"indicators,omitempty"`
	Candles    []candle          `json:"candles"`
	Previous   *planfile.Plan    `json:"previous,omitempty"`
}

// New creates an analyst client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: analyst URL is required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for analyst client")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxCandles := cfg.MaxCandles
	if maxCandles <= 0 {
		maxCandles = 60
	}
	return &Client{
		URL:        strings.TrimRight(cfg.URL, "/"),
		Http:       &http.Client{Timeout: timeout},
		defaults:   cfg.Defaults,
		summarizer: cfg.Summarizer,
		maxCandles: maxCandles,
		logger:     cfg.Logger,
	}, nil
}

// Generate posts the market context to <URL>/plan. A 204 or a NONE action is ErrNoTrade.
func (c *Client) Generate(ctx context.Context, mc ports.MarketContext) (*domain.Signal, error) {
	op := "Generate"
	body, err := json.Marshal(c.buildRequest(ctx, mc))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.Http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%s failed: %w", op, err)
		}
		return nil, fmt.Errorf("%s failed: %w: %w: %w", op, ports.ErrSignalGeneration, ports.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, fmt.Errorf("%w: analyst has no plan for %s", ports.ErrNoTrade, mc.Market)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrSignalGeneration, ports.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s failed: %w: %w: status %d", op, ports.ErrSignalGeneration, ports.ErrBrokerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s failed: %w: status %d: %s", op, ports.ErrInvalidRequest, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var plan planfile.Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w: decode plan: %w", op, ports.ErrSignalGeneration, ports.ErrMalformedMessage, err)
	}
	sig, err := plan.ToSignal(mc.Market, mc.Epic, mc.Now, c.defaults)
	if err != nil {
		return nil, err
	}
	if sig.ATR <= 0 {
		if ind := c.summarize(ctx, mc); ind != nil {
			sig.ATR = ind.ATR
		}
	}
	c.logger.Info(ctx, "Analyst plan received", map[string]interface{}{
		"market":     mc.Market,
		"epic":       mc.Epic,
		"action":     sig.Action,
		"trigger":    sig.TriggerPrice,
		"stopLoss":   sig.StopLoss,
		"confidence": sig.Confidence,
		"took":       time.Since(started).String(),
	})
	return sig, nil
}

func (c *Client) summarize(ctx context.Context, mc ports.MarketContext) *strategy.Summary {
	if c.summarizer == nil {
		return nil
	}
	sum, err := c.summarizer.Summarize(ctx, mc.Candles)
	if err != nil {
		c.logger.Debug(ctx, "Indicators unavailable for analyst request", map[string]interface{}{"market": mc.Market, "error": err.Error()})
		return nil
	}
	return &sum
}

func (c *Client) buildRequest(ctx context.Context, mc ports.MarketContext) request {
	r := request{
		Market:     mc.Market,
		Epic:       mc.Epic,
		Strategy:   mc.StrategyName,
		Time:       mc.Now,
		Indicators: c.summarize(ctx, mc),
		Candles:    make([]candle, 0, c.maxCandles),
	}
	if mc.Latest != nil {
		r.Quote = &quote{Bid: mc.Latest.Bid, Offer: mc.Latest.Offer}
	}
	recent := mc.Candles
	if len(recent) > c.maxCandles {
		recent = recent[len(recent)-c.maxCandles:]
	}
	for _, k := range recent {
		r.Candles = append(r.Candles, candle{Time: k.OpenTime, Open: k.Open, High: k.High, Low: k.Low, Close: k.Close})
	}
	if p := mc.Previous; p != nil {
		prev := planfile.Plan{
			Action:     string(p.Action),
			Entry:      p.TriggerPrice,
			EntryType:  string(p.EntryType),
			StopLoss:   p.StopLoss,
			ATR:        p.ATR,
			Confidence: p.Confidence,
			Reasoning:  p.Reasoning,
		}
		if p.TakeProfit > 0 {
			tp := p.TakeProfit
			prev.TakeProfit = &tp
		}
		prev.UseTrailingStop = p.Trailing.Enabled
		r.Previous = &prev
	}
	return r
}
