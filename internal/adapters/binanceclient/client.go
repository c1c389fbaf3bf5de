package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.Broker on a Binance USDⓈ-M futures account.
// A deal is one position opened by PlaceOrder; its stop is a closePosition STOP_MARKET order.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	symbols       map[string]string
	asset         string

	mu        sync.Mutex
	deals     map[string]*deal
	precision map[string]precision
}

type deal struct {
	symbol      string
	side        domain.OrderSide
	stopOrderID int64
	stopLevel   float64
	tpOrderID   int64
}

type precision struct {
	price    int32
	quantity int32
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
	Symbols    map[string]string // Epic to futures symbol; unmapped epics are used as symbols
	Asset      string            // Margin asset, default USDT
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: Binance API key and secret are required for dealing", ports.ErrConfigurationError)
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	asset := cfg.Asset
	if asset == "" {
		asset = "USDT"
	}
	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		symbols:       cfg.Symbols,
		asset:         asset,
		deals:         make(map[string]*deal),
		precision:     make(map[string]precision),
	}, nil
}

// handleError translates Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		mapped := mapAPICode(apiErr.Code)
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
	}

	var mapped error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mapped = ports.ErrContextCanceled
	case errors.As(err, &netErr),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		mapped = ports.ErrConnectivity
	default:
		mapped = ports.ErrUnknown
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
}

// mapAPICode maps Binance error codes onto the sentinel the retry layer understands.
func mapAPICode(code int64) error {
	switch code {
	case -1001, -1006, -1007, -1008: // Disconnected, unexpected response, timeout, overloaded
		return ports.ErrBrokerUnavailable
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1021: // Timestamp outside recvWindow; fixed by a server time resync
		return ports.ErrAuthExpired
	case -1022, -2014, -2015: // Bad signature or API key
		return ports.ErrAuthenticationFailed
	case -1102, -1106, -1111, -1116, -1117, -4003, -4014, -4015: // Parameter errors
		return ports.ErrInvalidRequest
	case -2010: // New order rejected
		return ports.ErrOrderPlacementFailed
	case -2011, -2013: // Cancel rejected, order does not exist
		return ports.ErrNotFound
	case -2019, -4047: // Margin insufficient
		return ports.ErrInsufficientFunds
	case -2021, -4130: // Order would immediately trigger, conflicting closePosition order
		return ports.ErrStopConflict
	case -2022, -4044: // ReduceOnly rejected, position not found
		return ports.ErrPositionNotFound
	default:
		return ports.ErrUnknown
	}
}

// Reauthenticate resynchronises the request clock, which is what a -1021 needs.
func (c *Client) Reauthenticate(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

func (c *Client) symbol(epic string) string {
	if s, ok := c.symbols[epic]; ok && s != "" {
		return s
	}
	return epic
}

func (c *Client) precisionFor(ctx context.Context, symbol string) (precision, error) {
	c.mu.Lock()
	p, ok := c.precision[symbol]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return precision{}, c.handleError(ctx, err, "ExchangeInfo")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		c.precision[s.Symbol] = precision{price: int32(s.PricePrecision), quantity: int32(s.QuantityPrecision)}
	}
	p, ok = c.precision[symbol]
	if !ok {
		return precision{}, fmt.Errorf("ExchangeInfo failed: %w: unknown symbol %s", ports.ErrInvalidRequest, symbol)
	}
	return p, nil
}

// PlaceOrder opens a market position and attaches its stop and optional take profit.
// If the stop cannot be attached the position is flattened and the order reported as failed.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderConfirmation, error) {
	op := "PlaceOrder"
	if req.Size <= 0 || req.StopLevel <= 0 || !req.Side.IsValid() {
		return nil, fmt.Errorf("%s failed: %w: size %.4f stop %.4f side %q", op, ports.ErrInvalidRequest, req.Size, req.StopLevel, req.Side)
	}
	symbol := c.symbol(req.Epic)
	prec, err := c.precisionFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	quantity := formatQuantity(req.Size, prec.quantity)

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity)
	if id := clientOrderID(req.DealReference); id != "" {
		svc = svc.NewClientOrderID(id)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	dealID := fmt.Sprintf("%s:%d", symbol, order.OrderID)
	level, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if level == 0 {
		if risk, err := c.positionRisk(ctx, symbol); err == nil {
			level, _ = strconv.ParseFloat(risk.EntryPrice, 64)
		}
	}

	stop, err := c.placeClosing(ctx, symbol, req.Side, futures.OrderTypeStopMarket, formatPrice(req.StopLevel, prec.price))
	if err != nil {
		c.flatten(ctx, symbol, req.Side, quantity)
		return nil, fmt.Errorf("%s failed: %w: stop not attached, position flattened: %w", op, ports.ErrOrderPlacementFailed, err)
	}
	d := &deal{symbol: symbol, side: req.Side, stopOrderID: stop.OrderID, stopLevel: req.StopLevel}

	if req.TakeProfit > 0 {
		tp, err := c.placeClosing(ctx, symbol, req.Side, futures.OrderTypeTakeProfitMarket, formatPrice(req.TakeProfit, prec.price))
		if err != nil {
			c.logger.Warn(ctx, "Take profit not attached; position keeps its stop", map[string]interface{}{"dealId": dealID, "error": err.Error()})
		} else {
			d.tpOrderID = tp.OrderID
		}
	}

	c.mu.Lock()
	c.deals[dealID] = d
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"dealId": dealID, "symbol": symbol, "side": req.Side, "quantity": quantity, "level": level, "stopLevel": req.StopLevel})
	return &ports.OrderConfirmation{
		DealID:        dealID,
		DealReference: req.DealReference,
		Status:        "ACCEPTED",
		Level:         level,
		Size:          req.Size,
		StopLevel:     req.StopLevel,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}, nil
}

func (c *Client) placeClosing(ctx context.Context, symbol string, side domain.OrderSide, kind futures.OrderType, stopPrice string) (*futures.CreateOrderResponse, error) {
	op := "Place" + string(kind)
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side.Opposite())).
		Type(kind).
		StopPrice(stopPrice).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return order, nil
}

func (c *Client) flatten(ctx context.Context, symbol string, side domain.OrderSide, quantity string) {
	_, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		c.logger.Error(ctx, c.handleError(ctx, err, "Flatten"), "Failed to flatten unprotected position", map[string]interface{}{"symbol": symbol})
	}
}

func (c *Client) positionRisk(ctx context.Context, symbol string) (*futures.PositionRisk, error) {
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, "GetPositionRisk")
	}
	for _, p := range positions {
		if qty, _ := strconv.ParseFloat(p.PositionAmt, 64); qty != 0 {
			return p, nil
		}
	}
	return nil, fmt.Errorf("GetPositionRisk failed: %w: %s", ports.ErrPositionNotFound, symbol)
}

func (c *Client) lookup(dealID string) (*deal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deals[dealID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown deal %s", ports.ErrPositionNotFound, dealID)
	}
	copied := *d
	return &copied, nil
}

// GetPosition reports the position with its live stop order and book quote.
func (c *Client) GetPosition(ctx context.Context, dealID string) (*ports.PositionStatus, error) {
	op := "GetPosition"
	d, err := c.lookup(dealID)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	risk, err := c.positionRisk(ctx, d.symbol)
	if errors.Is(err, ports.ErrPositionNotFound) {
		c.forget(ctx, dealID, d)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if err != nil {
		return nil, err
	}
	amount, _ := strconv.ParseFloat(risk.PositionAmt, 64)
	entry, _ := strconv.ParseFloat(risk.EntryPrice, 64)

	status := &ports.PositionStatus{
		DealID: dealID,
		Epic:   d.symbol,
		Side:   d.side,
		Size:   abs(amount),
		Level:  entry,
	}

	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(d.symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, o := range orders {
		if o.Type == futures.OrderTypeStopMarket && o.ClosePosition {
			status.StopLevel, _ = strconv.ParseFloat(o.StopPrice, 64)
			break
		}
	}

	books, err := c.futuresClient.NewListBookTickersService().Symbol(d.symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(books) > 0 {
		status.Bid, _ = strconv.ParseFloat(books[0].BidPrice, 64)
		status.Offer, _ = strconv.ParseFloat(books[0].AskPrice, 64)
	}
	return status, nil
}

// forget drops a closed deal and cancels whichever closing order is left behind.
func (c *Client) forget(ctx context.Context, dealID string, d *deal) {
	c.mu.Lock()
	delete(c.deals, dealID)
	c.mu.Unlock()
	for _, id := range []int64{d.stopOrderID, d.tpOrderID} {
		if id == 0 {
			continue
		}
		if _, err := c.futuresClient.NewCancelOrderService().Symbol(d.symbol).OrderID(id).Do(ctx); err != nil {
			c.logger.Debug(ctx, "Leftover closing order already gone", map[string]interface{}{"dealId": dealID, "orderID": id})
		}
	}
}

// ModifyStop replaces the closePosition stop. Binance allows one such order per
// direction, so the old stop is cancelled first and restored if the new one is refused.
func (c *Client) ModifyStop(ctx context.Context, dealID string, level float64) error {
	op := "ModifyStop"
	d, err := c.lookup(dealID)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	prec, err := c.precisionFor(ctx, d.symbol)
	if err != nil {
		return err
	}

	if d.stopOrderID != 0 {
		if _, err := c.futuresClient.NewCancelOrderService().Symbol(d.symbol).OrderID(d.stopOrderID).Do(ctx); err != nil {
			mapped := c.handleError(ctx, err, op)
			if !errors.Is(mapped, ports.ErrNotFound) {
				return mapped
			}
		}
	}

	order, err := c.placeClosing(ctx, d.symbol, d.side, futures.OrderTypeStopMarket, formatPrice(level, prec.price))
	if err != nil {
		if restored, rerr := c.placeClosing(ctx, d.symbol, d.side, futures.OrderTypeStopMarket, formatPrice(d.stopLevel, prec.price)); rerr == nil {
			c.setStop(dealID, restored.OrderID, d.stopLevel)
		} else {
			c.logger.Error(ctx, rerr, "Failed to restore previous stop", map[string]interface{}{"dealId": dealID, "stopLevel": d.stopLevel})
		}
		return err
	}
	c.setStop(dealID, order.OrderID, level)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"dealId": dealID, "stopLevel": level})
	return nil
}

func (c *Client) setStop(dealID string, orderID int64, level float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.deals[dealID]; ok {
		d.stopOrderID = orderID
		d.stopLevel = level
	}
}

// GetAccount returns wallet and available balance for the margin asset.
func (c *Client) GetAccount(ctx context.Context) (*ports.AccountInfo, error) {
	op := "GetAccount"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, a := range account.Assets {
		if a.Asset != c.asset {
			continue
		}
		balance, err := strconv.ParseFloat(a.WalletBalance, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse balance '%s': %w", a.WalletBalance, err), op)
		}
		available, _ := strconv.ParseFloat(a.AvailableBalance, 64)
		return &ports.AccountInfo{Balance: balance, Available: available, Currency: a.Asset}, nil
	}
	return nil, fmt.Errorf("%s failed: %w: asset %s not in account", op, ports.ErrNotFound, c.asset)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
