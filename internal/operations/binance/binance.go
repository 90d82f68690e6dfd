package binance

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"ScalpTradeBot/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Symbols excluded from scans: leveraged tokens and non-USDT quotes.
var excludeKeywords = []string{"UPUSDT", "DOWNUSDT", "BULLUSDT", "BEARUSDT", "BUSD"}

type Gateway struct {
	client      *futures.Client
	rateLimiter *rate.Limiter
	log         *zap.SugaredLogger

	maxRetries int
	backoff    time.Duration
}

func NewGateway(apiKey, secretKey string, useTestnet bool, log *zap.SugaredLogger) *Gateway {
	futures.UseTestnet = useTestnet

	// Custom HTTP client with timeouts
	httpClient := &http.Client{
		Timeout: time.Second * 10,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	futuresClient := futures.NewClient(apiKey, secretKey)
	futuresClient.HTTPClient = httpClient

	// Rate limiter: 10 requests per second with burst of 20
	limiter := rate.NewLimiter(rate.Limit(10), 20)

	return &Gateway{
		client:      futuresClient,
		rateLimiter: limiter,
		log:         log,
		maxRetries:  3,
		backoff:     100 * time.Millisecond,
	}
}

// SyncServerTime recomputes the client's server-time offset so signed request
// timestamps stay inside the recv window despite local clock drift.
func (g *Gateway) SyncServerTime(ctx context.Context) (int64, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return 0, err
	}
	offset, err := g.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// IsRejection reports whether err is a venue rejection (bad price/quantity,
// filter failure, immediate trigger) as opposed to a transient failure.
// Rejections must not be retried blindly.
func IsRejection(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case -1000, -1001, -1003, -1007, -1021: // unknown, disconnected, rate limit, timeout, clock drift
		return false
	}
	return true
}

// do runs call under the rate limiter, retrying transient failures with
// exponential backoff. Rejections are returned immediately.
func (g *Gateway) do(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if werr := g.rateLimiter.Wait(ctx); werr != nil {
			return werr
		}

		metricCallsAttempted.Inc()
		if err = call(); err == nil {
			return nil
		}
		if IsRejection(err) {
			metricCallsRejected.Inc()
			return err
		}
		if attempt == g.maxRetries {
			break
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * g.backoff
		g.log.Warnw("transient exchange error, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
	metricCallsFailed.Inc()
	return err
}

// OrderRequest carries everything PlaceOrder needs to build a futures order.
type OrderRequest struct {
	Symbol        string
	Side          string // "BUY" / "SELL"
	Type          futures.OrderType
	Quantity      string
	Price         string
	StopPrice     string
	TimeInForce   futures.TimeInForceType
	ReduceOnly    bool
	ClosePosition bool
	ClientID      string
}

// PlaceOrder submits one order and returns its id.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	var res *futures.CreateOrderResponse
	err := g.do(ctx, "placeOrder", func() error {
		svc := g.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(req.Type).
			WorkingType(futures.WorkingTypeContractPrice)
		if req.Quantity != "" {
			svc = svc.Quantity(req.Quantity)
		}
		if req.Price != "" {
			svc = svc.Price(req.Price)
		}
		if req.StopPrice != "" {
			svc = svc.StopPrice(req.StopPrice)
		}
		if req.TimeInForce != "" {
			svc = svc.TimeInForce(req.TimeInForce)
		}
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		}
		if req.ClientID != "" {
			svc = svc.NewClientOrderID(req.ClientID)
		}
		var err error
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	metricOrdersPlaced.Inc()
	return res.OrderID, nil
}

// OrderStatus is the subset of order state the controller cares about.
type OrderStatus struct {
	OrderID     int64
	Status      string
	Type        string
	AvgPrice    float64
	StopPrice   float64
	ExecutedQty float64
	ReduceOnly  bool
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderStatus, error) {
	var ord *futures.Order
	err := g.do(ctx, "queryOrder", func() error {
		var err error
		ord, err = g.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return err
	})
	if err != nil {
		return OrderStatus{}, err
	}
	return orderStatusFrom(ord), nil
}

func orderStatusFrom(ord *futures.Order) OrderStatus {
	return OrderStatus{
		OrderID:     ord.OrderID,
		Status:      string(ord.Status),
		Type:        string(ord.Type),
		AvgPrice:    parseFloat(ord.AvgPrice),
		StopPrice:   parseFloat(ord.StopPrice),
		ExecutedQty: parseFloat(ord.ExecutedQuantity),
		ReduceOnly:  ord.ReduceOnly,
	}
}

// SetLeverage applies the account leverage for a symbol. Safe to repeat;
// the venue treats an unchanged value as a no-op.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.do(ctx, "setLeverage", func() error {
		_, err := g.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return g.do(ctx, "cancelOrder", func() error {
		_, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		return err
	})
}

func (g *Gateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return g.do(ctx, "cancelAllOpenOrders", func() error {
		return g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error) {
	var orders []*futures.Order
	err := g.do(ctx, "openOrders", func() error {
		var err error
		orders, err = g.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]OrderStatus, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderStatusFrom(o))
	}
	return out, nil
}

// PositionSize returns the signed position amount at the venue. This is the
// authoritative fill/close signal: non-zero means an open position exists.
func (g *Gateway) PositionSize(ctx context.Context, symbol string) (float64, error) {
	var risks []*futures.PositionRisk
	err := g.do(ctx, "positionRisk", func() error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, r := range risks {
		if r.Symbol == symbol {
			return parseFloat(r.PositionAmt), nil
		}
	}
	return 0, nil
}

// EntryPrice returns the venue's average entry price for the symbol, zero if flat.
func (g *Gateway) EntryPrice(ctx context.Context, symbol string) (float64, error) {
	var risks []*futures.PositionRisk
	err := g.do(ctx, "positionRisk", func() error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, r := range risks {
		if r.Symbol == symbol {
			return parseFloat(r.EntryPrice), nil
		}
	}
	return 0, nil
}

// Balance returns the available USDT balance.
func (g *Gateway) Balance(ctx context.Context) (float64, error) {
	var balances []*futures.Balance
	err := g.do(ctx, "balance", func() error {
		var err error
		balances, err = g.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			if v := parseFloat(b.AvailableBalance); v > 0 {
				return v, nil
			}
			return parseFloat(b.Balance), nil
		}
	}
	return 0, nil
}

// BestPrice fetches the last trade price over REST. The price cache is the
// preferred source; this is the fallback.
func (g *Gateway) BestPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []*futures.SymbolPrice
	err := g.do(ctx, "tickerPrice", func() error {
		var err error
		prices, err = g.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, errors.New("no price returned for " + symbol)
}

// rankedStats fetches 24h ticker stats filtered to plain USDT perpetuals.
func (g *Gateway) rankedStats(ctx context.Context, blacklist []string) ([]tickerRow, error) {
	var stats []*futures.PriceChangeStats
	err := g.do(ctx, "ticker24h", func() error {
		var err error
		stats, err = g.client.NewListPriceChangeStatsService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	blocked := make(map[string]bool, len(blacklist))
	for _, s := range blacklist {
		blocked[s] = true
	}

	rows := make([]tickerRow, 0, len(stats))
	for _, s := range stats {
		if !strings.HasSuffix(s.Symbol, "USDT") || blocked[s.Symbol] {
			continue
		}
		if excluded(s.Symbol) {
			continue
		}
		row := tickerRow{
			symbol: s.Symbol,
			pct:    parseFloat(s.PriceChangePercent),
			last:   parseFloat(s.LastPrice),
			volume: parseFloat(s.Volume),
		}
		if row.last <= 0 || row.volume <= 0 {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type tickerRow struct {
	symbol string
	pct    float64
	last   float64
	volume float64
}

// TopGainers returns the top-N 24h gainers, strongest first.
func (g *Gateway) TopGainers(ctx context.Context, limit int, blacklist []string) ([]models.TickerStat, error) {
	rows, err := g.rankedStats(ctx, blacklist)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, r := range rows {
		if r.pct > 0 {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].pct > kept[j].pct })
	return toStats(kept, limit), nil
}

// TopLosers returns the top-N 24h losers, weakest first.
func (g *Gateway) TopLosers(ctx context.Context, limit int, blacklist []string) ([]models.TickerStat, error) {
	rows, err := g.rankedStats(ctx, blacklist)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, r := range rows {
		if r.pct < 0 {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].pct < kept[j].pct })
	return toStats(kept, limit), nil
}

func toStats(rows []tickerRow, limit int) []models.TickerStat {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.TickerStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.TickerStat{Symbol: r.symbol, PriceChangePct: r.pct, LastPrice: r.last, Volume: r.volume})
	}
	return out
}

// Kline is one candle with the fields the signal predicates read.
type Kline struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var klines []*futures.Kline
	err := g.do(ctx, "klines", func() error {
		var err error
		klines, err = g.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Kline, 0, len(klines))
	for _, k := range klines {
		out = append(out, Kline{
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return out, nil
}

// InstrumentRules fetches exchange metadata and converts the filters of every
// TRADING instrument into rules. Precision is derived from the tick/step
// strings rather than the symbol's precision fields, which Binance sometimes
// reports looser than the actual filter grid.
func (g *Gateway) InstrumentRules(ctx context.Context) ([]models.InstrumentRule, error) {
	var info *futures.ExchangeInfo
	err := g.do(ctx, "exchangeInfo", func() error {
		var err error
		info, err = g.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.InstrumentRule, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		rule := models.InstrumentRule{
			Symbol:       s.Symbol,
			PriceTick:    0.0001,
			QuantityStep: 1,
			MinNotional:  5,
		}
		if pf := s.PriceFilter(); pf != nil {
			if v := parseFloat(pf.TickSize); v > 0 {
				rule.PriceTick = v
			}
			rule.MinPrice = parseFloat(pf.MinPrice)
			rule.MaxPrice = parseFloat(pf.MaxPrice)
			rule.PricePrecision = decimalsFromStep(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			if v := parseFloat(lf.StepSize); v > 0 {
				rule.QuantityStep = v
			}
			rule.MinQty = parseFloat(lf.MinQuantity)
			rule.MaxQty = parseFloat(lf.MaxQuantity)
			rule.QuantityPrecision = decimalsFromStep(lf.StepSize)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			if v := parseFloat(nf.Notional); v > 0 {
				rule.MinNotional = v
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

// decimalsFromStep counts the decimal places a tick/step string implies,
// e.g. "0.0100" -> 2, "1" -> 0, "1e-5" -> 5.
func decimalsFromStep(s string) int {
	if i := strings.Index(s, "e-"); i >= 0 {
		if n, err := strconv.Atoi(s[i+2:]); err == nil {
			return n
		}
		return 8
	}
	s = strings.TrimRight(s, "0")
	dot := strings.Index(s, ".")
	if dot < 0 {
		return 0
	}
	return len(s) - dot - 1
}

func excluded(symbol string) bool {
	for _, kw := range excludeKeywords {
		if strings.Contains(symbol, kw) {
			return true
		}
	}
	return false
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
