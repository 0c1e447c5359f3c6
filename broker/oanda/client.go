package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/market"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"
)

// Granularity represents the time frame for candles
type Granularity string

const (
	S5  Granularity = "S5"
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	M30 Granularity = "M30"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D   Granularity = "D"
)

var granularities = map[time.Duration]Granularity{
	5 * time.Second:  S5,
	time.Minute:      M1,
	5 * time.Minute:  M5,
	15 * time.Minute: M15,
	30 * time.Minute: M30,
	time.Hour:        H1,
	4 * time.Hour:    H4,
	24 * time.Hour:   D,
}

// GranularityFor maps a bar width onto an OANDA granularity.
func GranularityFor(tf time.Duration) (Granularity, error) {
	g, ok := granularities[tf]
	if !ok {
		return "", fmt.Errorf("oanda: no granularity for %s", tf)
	}
	return g, nil
}

// PriceComponent represents the price component for candles
type PriceComponent string

const (
	MidPrice PriceComponent = "M"
	BidPrice PriceComponent = "B"
	AskPrice PriceComponent = "A"
)

// Client talks to the OANDA v20 REST API. It serves candle history,
// account equity, open trades and market orders.
type Client struct {
	baseURL    string
	token      string
	accountID  string
	httpClient *http.Client
}

// NewClient creates a new OANDA API client
func NewClient(token, accountID string, practice bool) *Client {
	baseURL := LiveURL
	if practice {
		baseURL = PracticeURL
	}

	return &Client{
		baseURL:   baseURL,
		token:     token,
		accountID: accountID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CandlesRequest represents parameters for fetching historical candles
type CandlesRequest struct {
	Instrument  string         // e.g. "EUR_USD"
	Price       PriceComponent // default MidPrice
	Granularity Granularity    // default M5
	Count       int            // max 5000
}

type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid,omitempty"`
	Bid      candleData `json:"bid,omitempty"`
	Ask      candleData `json:"ask,omitempty"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// GetCandles fetches completed historical candles, oldest first.
func (c *Client) GetCandles(ctx context.Context, req CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	if req.Price == "" {
		req.Price = MidPrice
	}
	if req.Granularity == "" {
		req.Granularity = M5
	}
	if req.Count > 5000 {
		return nil, fmt.Errorf("count cannot exceed 5000")
	}

	params := url.Values{}
	params.Set("price", string(req.Price))
	params.Set("granularity", string(req.Granularity))
	if req.Count > 0 {
		params.Set("count", strconv.Itoa(req.Count))
	}

	var apiResp candlesResponse
	path := fmt.Sprintf("/v3/instruments/%s/candles", req.Instrument)
	if err := c.do(ctx, http.MethodGet, path, params, nil, &apiResp); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(apiResp.Candles))
	for _, ac := range apiResp.Candles {
		if !ac.Complete {
			continue
		}

		t, err := time.Parse(time.RFC3339, ac.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %s: %w", ac.Time, err)
		}

		var pd candleData
		switch req.Price {
		case BidPrice:
			pd = ac.Bid
		case AskPrice:
			pd = ac.Ask
		default:
			pd = ac.Mid
		}

		var ohlc [4]float64
		for i, s := range []string{pd.O, pd.H, pd.L, pd.C} {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse price %q: %w", s, err)
			}
			ohlc[i] = v
		}

		candles = append(candles, market.Candle{
			Time:   t.UTC(),
			Open:   ohlc[0],
			High:   ohlc[1],
			Low:    ohlc[2],
			Close:  ohlc[3],
			Volume: float64(ac.Volume),
		})
	}

	return candles, nil
}

// History implements market.History.
func (c *Client) History(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]market.Candle, error) {
	in, err := market.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	g, err := GranularityFor(timeframe)
	if err != nil {
		return nil, err
	}
	if count > 5000 {
		count = 5000
	}
	cs, err := c.GetCandles(ctx, CandlesRequest{Instrument: in.OANDA, Granularity: g, Count: count})
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("oanda %s: %w", in.Symbol, market.ErrNoHistory)
	}
	return cs, nil
}

type accountSummary struct {
	Account struct {
		Balance string `json:"balance"`
		NAV     string `json:"NAV"`
	} `json:"account"`
}

// Equity implements broker.EquitySource using the account NAV.
func (c *Client) Equity(ctx context.Context) (float64, error) {
	var s accountSummary
	if err := c.do(ctx, http.MethodGet, c.accountPath("summary"), nil, nil, &s); err != nil {
		return 0, fmt.Errorf("%w: %v", broker.ErrEquityUnavailable, err)
	}
	nav, err := strconv.ParseFloat(s.Account.NAV, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse NAV %q: %v", broker.ErrEquityUnavailable, s.Account.NAV, err)
	}
	return nav, nil
}

type openTradesResponse struct {
	Trades []struct {
		ID           string `json:"id"`
		Instrument   string `json:"instrument"`
		CurrentUnits string `json:"currentUnits"`
		OpenTime     string `json:"openTime"`
	} `json:"trades"`
}

// OpenPositions implements broker.PositionSource.
func (c *Client) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	var r openTradesResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath("openTrades"), nil, nil, &r); err != nil {
		return nil, err
	}

	out := make([]broker.Position, 0, len(r.Trades))
	for _, t := range r.Trades {
		in, err := market.Lookup(t.Instrument)
		if err != nil {
			// Instruments outside the allow-list still count as exposure
			// but cannot be sized in lots.
			in = market.Instrument{Symbol: market.Normalize(t.Instrument), LotSize: 1}
		}
		units, err := strconv.ParseFloat(t.CurrentUnits, 64)
		if err != nil {
			return nil, fmt.Errorf("parse units %q: %w", t.CurrentUnits, err)
		}
		side := broker.Buy
		if units < 0 {
			side = broker.Sell
		}
		opened, _ := time.Parse(time.RFC3339, t.OpenTime)
		out = append(out, broker.Position{
			Ticket: t.ID,
			Symbol: in.Symbol,
			Side:   side,
			Volume: math.Abs(units) / in.LotSize,
			Opened: opened.UTC(),
		})
	}
	return out, nil
}

// closedTradesPage is how many recently closed trades one poll asks for.
const closedTradesPage = 50

type closedTradesResponse struct {
	Trades []struct {
		ID         string `json:"id"`
		Instrument string `json:"instrument"`
		RealizedPL string `json:"realizedPL"`
		Financing  string `json:"financing"`
		CloseTime  string `json:"closeTime"`
	} `json:"trades"`
}

// ClosedTrades implements broker.ClosedTradeSource from the most recent
// page of closed trades, oldest first. Realized P/L includes financing.
func (c *Client) ClosedTrades(ctx context.Context, since time.Time) ([]broker.ClosedTrade, error) {
	params := url.Values{}
	params.Set("state", "CLOSED")
	params.Set("count", strconv.Itoa(closedTradesPage))

	var r closedTradesResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath("trades"), params, nil, &r); err != nil {
		return nil, err
	}

	out := make([]broker.ClosedTrade, 0, len(r.Trades))
	for _, t := range r.Trades {
		closed, err := time.Parse(time.RFC3339Nano, t.CloseTime)
		if err != nil {
			return nil, fmt.Errorf("parse close time %q: %w", t.CloseTime, err)
		}
		if closed.Before(since) {
			continue
		}
		pl, err := strconv.ParseFloat(t.RealizedPL, 64)
		if err != nil {
			return nil, fmt.Errorf("parse realized P/L %q: %w", t.RealizedPL, err)
		}
		if t.Financing != "" {
			fin, err := strconv.ParseFloat(t.Financing, 64)
			if err != nil {
				return nil, fmt.Errorf("parse financing %q: %w", t.Financing, err)
			}
			pl += fin
		}
		out = append(out, broker.ClosedTrade{
			Ticket:     t.ID,
			Symbol:     market.Normalize(t.Instrument),
			RealizedPL: pl,
			Closed:     closed.UTC(),
			Reason:     "Closed",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Closed.Before(out[j].Closed) })
	return out, nil
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type marketOrder struct {
	Type             string         `json:"type"`
	Instrument       string         `json:"instrument"`
	Units            string         `json:"units"`
	TimeInForce      string         `json:"timeInForce"`
	PositionFill     string         `json:"positionFill"`
	StopLossOnFill   *onFillDetails `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *onFillDetails `json:"takeProfitOnFill,omitempty"`
	ClientExtensions *clientExt     `json:"clientExtensions,omitempty"`
}

type onFillDetails struct {
	Distance string `json:"distance,omitempty"`
	Price    string `json:"price,omitempty"`
}

type clientExt struct {
	ID      string `json:"id,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type orderResponse struct {
	OrderFillTransaction *struct {
		ID          string `json:"id"`
		Price       string `json:"price"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
		} `json:"tradeOpened"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
}

// Execute implements broker.Executor with a FOK market order. Volume is
// converted from lots to units and stop distance from pips to price.
func (c *Client) Execute(ctx context.Context, in broker.Instruction) (broker.Result, error) {
	inst, err := market.Lookup(in.Symbol)
	if err != nil {
		return broker.Reject(in, err.Error()), nil
	}

	units := math.Round(in.Volume * inst.LotSize * in.Side.Sign())
	if units == 0 {
		return broker.Reject(in, "volume rounds to zero units"), nil
	}

	mo := marketOrder{
		Type:         "MARKET",
		Instrument:   inst.OANDA,
		Units:        strconv.FormatFloat(units, 'f', 0, 64),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if in.StopLossDistance > 0 {
		mo.StopLossOnFill = &onFillDetails{Distance: priceString(in.StopLossDistance * inst.PipSize)}
	}
	// OANDA only accepts a take-profit price, so it needs a reference price.
	if in.TakeProfitDistance > 0 && in.EntryPrice > 0 {
		tp := in.EntryPrice + in.Side.Sign()*in.TakeProfitDistance*inst.PipSize
		mo.TakeProfitOnFill = &onFillDetails{Price: priceString(tp)}
	}
	if in.CorrelationID != "" || in.Comment != "" {
		mo.ClientExtensions = &clientExt{ID: in.CorrelationID, Comment: in.Comment}
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, c.accountPath("orders"), nil, orderRequest{Order: mo}, &resp); err != nil {
		return broker.Result{}, err
	}

	if resp.OrderCancelTransaction != nil {
		return broker.Reject(in, resp.OrderCancelTransaction.Reason), nil
	}
	if resp.OrderFillTransaction == nil {
		return broker.Reject(in, "no fill transaction"), nil
	}

	fill := resp.OrderFillTransaction
	ticket := fill.ID
	if fill.TradeOpened != nil && fill.TradeOpened.TradeID != "" {
		ticket = fill.TradeOpened.TradeID
	}
	price, _ := strconv.ParseFloat(fill.Price, 64)

	return broker.Result{
		Status:      broker.Filled,
		TicketID:    ticket,
		FillPrice:   price,
		Execution:   "live",
		Instruction: in,
	}, nil
}

func (c *Client) accountPath(suffix string) string {
	return fmt.Sprintf("/v3/accounts/%s/%s", c.accountID, suffix)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if c.token == "" {
		return fmt.Errorf("oanda: missing token")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = path
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	hc := c.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("oanda %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func priceString(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}
