package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

const (
	OKXBaseURL = "https://www.okx.com"
	OKXWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
)

// OKXAdapter implements the exchange contract against OKX v5: signed REST
// for trading and account data, plus a public-trades websocket feeding price
// callbacks. Safe for concurrent use.
type OKXAdapter struct {
	apiKey     string
	apiSecret  string
	passphrase string
	baseURL    string
	wsURL      string
	client     *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	wsStop    chan struct{}
	callbacks []func(symbol string, price decimal.Decimal)
}

func NewOKXAdapter(apiKey, apiSecret, passphrase, baseURL, wsURL string, logger *zap.Logger) *OKXAdapter {
	if baseURL == "" {
		baseURL = OKXBaseURL
	}
	if wsURL == "" {
		wsURL = OKXWSURL
	}
	return &OKXAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		baseURL:    baseURL,
		wsURL:      wsURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// --- REST API ---

// sign builds the OK-ACCESS-SIGN header: base64(hmac-sha256(ts+method+path+body)).
func (o *OKXAdapter) sign(timestamp, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(o.apiSecret))
	h.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (o *OKXAdapter) sendRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", o.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", o.sign(timestamp, method, path, string(body)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("okx api error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func (o *OKXAdapter) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	resp, err := o.sendRequest(ctx, "GET", "/api/v5/market/ticker?instId="+symbol, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Last    string `json:"last"`
			BidPx   string `json:"bidPx"`
			AskPx   string `json:"askPx"`
			High24h string `json:"high24h"`
			Low24h  string `json:"low24h"`
			Vol24h  string `json:"vol24h"`
			Ts      string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.Code != "0" || len(result.Data) == 0 {
		return nil, fmt.Errorf("okx ticker error for %s: %s", symbol, result.Msg)
	}

	d := result.Data[0]
	ts, _ := strconv.ParseInt(d.Ts, 10, 64)
	return &domain.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(d.Last),
		Bid:       mustDecimal(d.BidPx),
		Ask:       mustDecimal(d.AskPx),
		High24h:   mustDecimal(d.High24h),
		Low24h:    mustDecimal(d.Low24h),
		Volume24h: mustDecimal(d.Vol24h),
		Timestamp: time.UnixMilli(ts),
	}, nil
}

func (o *OKXAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", symbol, depth)
	resp, err := o.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.Code != "0" || len(result.Data) == 0 {
		return nil, fmt.Errorf("okx orderbook error for %s: %s", symbol, result.Msg)
	}

	d := result.Data[0]
	ts, _ := strconv.ParseInt(d.Ts, 10, 64)
	book := &domain.OrderBook{
		Symbol:    symbol,
		Bids:      make([]domain.OrderBookEntry, 0, len(d.Bids)),
		Asks:      make([]domain.OrderBookEntry, 0, len(d.Asks)),
		Timestamp: time.UnixMilli(ts),
	}
	for _, bid := range d.Bids {
		if len(bid) < 2 {
			continue
		}
		book.Bids = append(book.Bids, domain.OrderBookEntry{
			Price: mustDecimal(bid[0]), Size: mustDecimal(bid[1]),
		})
	}
	for _, ask := range d.Asks {
		if len(ask) < 2 {
			continue
		}
		book.Asks = append(book.Asks, domain.OrderBookEntry{
			Price: mustDecimal(ask[0]), Size: mustDecimal(ask[1]),
		})
	}
	return book, nil
}

func (o *OKXAdapter) CreateMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity decimal.Decimal, clientOrderID string) (*domain.Order, error) {
	payload := map[string]any{
		"instId":  symbol,
		"tdMode":  "cash",
		"side":    string(side),
		"ordType": "market",
		"sz":      quantity.String(),
		// Market buys size in base currency, not quote notional.
		"tgtCcy": "base_ccy",
	}
	if clientOrderID != "" {
		payload["clOrdId"] = clientOrderID
	}

	orderID, err := o.placeOrder(ctx, payload)
	if err != nil {
		return nil, err
	}
	// The exchange fills market orders asynchronously; fetch the result once
	// so immediate fills come back with prices attached.
	if order, err := o.GetOrderStatus(ctx, symbol, orderID); err == nil {
		return order, nil
	}
	now := time.Now().UTC()
	return &domain.Order{
		ID:            orderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Quantity:      quantity,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (o *OKXAdapter) CreateLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price decimal.Decimal, clientOrderID string) (*domain.Order, error) {
	payload := map[string]any{
		"instId":  symbol,
		"tdMode":  "cash",
		"side":    string(side),
		"ordType": "limit",
		"sz":      quantity.String(),
		"px":      price.String(),
	}
	if clientOrderID != "" {
		payload["clOrdId"] = clientOrderID
	}

	orderID, err := o.placeOrder(ctx, payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.Order{
		ID:                orderID,
		ClientOrderID:     clientOrderID,
		Symbol:            symbol,
		Side:              side,
		Type:              domain.OrderTypeLimit,
		Quantity:          quantity,
		Price:             price,
		Status:            domain.OrderStatusOpen,
		RemainingQuantity: quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (o *OKXAdapter) placeOrder(ctx context.Context, payload map[string]any) (string, error) {
	resp, err := o.sendRequest(ctx, "POST", "/api/v5/trade/order", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			OrdID string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("okx order error: %s", result.Msg)
	}
	d := result.Data[0]
	if d.SCode != "0" {
		// 51008: insufficient balance
		if d.SCode == "51008" {
			return "", fmt.Errorf("okx: %s: %w", d.SMsg, domain.ErrInsufficientFunds)
		}
		return "", fmt.Errorf("okx: %s (code %s): %w", d.SMsg, d.SCode, domain.ErrOrderRejected)
	}
	return d.OrdID, nil
}

func (o *OKXAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", symbol, orderID)
	resp, err := o.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			OrdID     string `json:"ordId"`
			ClOrdID   string `json:"clOrdId"`
			Side      string `json:"side"`
			OrdType   string `json:"ordType"`
			Sz        string `json:"sz"`
			Px        string `json:"px"`
			State     string `json:"state"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			Fee       string `json:"fee"`
			CTime     string `json:"cTime"`
			UTime     string `json:"uTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.Code != "0" || len(result.Data) == 0 {
		return nil, fmt.Errorf("order %s on %s: %w", orderID, symbol, domain.ErrUnknownOrder)
	}

	d := result.Data[0]
	cTime, _ := strconv.ParseInt(d.CTime, 10, 64)
	uTime, _ := strconv.ParseInt(d.UTime, 10, 64)

	order := &domain.Order{
		ID:             d.OrdID,
		ClientOrderID:  d.ClOrdID,
		Symbol:         symbol,
		Side:           domain.OrderSide(d.Side),
		Type:           domain.OrderType(d.OrdType),
		Quantity:       mustDecimal(d.Sz),
		Price:          mustDecimal(d.Px),
		Status:         mapOrderState(d.State),
		FilledQuantity: mustDecimal(d.AccFillSz),
		AveragePrice:   mustDecimal(d.AvgPx),
		Fee:            mustDecimal(d.Fee).Abs(),
		CreatedAt:      time.UnixMilli(cTime),
		UpdatedAt:      time.UnixMilli(uTime),
	}
	order.RemainingQuantity = order.Quantity.Sub(order.FilledQuantity)
	order.Cost = order.FilledQuantity.Mul(order.AveragePrice)
	if order.Status == domain.OrderStatusFilled {
		filledAt := time.UnixMilli(uTime)
		order.FilledAt = &filledAt
	}
	return order, nil
}

func (o *OKXAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]any{"instId": symbol, "ordId": orderID}
	resp, err := o.sendRequest(ctx, "POST", "/api/v5/trade/cancel-order", payload)
	if err != nil {
		return err
	}

	var result struct {
		Code string `json:"code"`
		Data []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if len(result.Data) > 0 && result.Data[0].SCode != "0" {
		// 51400/51401: order already completed or canceled
		if result.Data[0].SCode == "51400" || result.Data[0].SCode == "51401" {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrUnknownOrder)
		}
		return fmt.Errorf("okx cancel error: %s", result.Data[0].SMsg)
	}
	return nil
}

func (o *OKXAdapter) GetBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	resp, err := o.sendRequest(ctx, "GET", "/api/v5/account/balance", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Details []struct {
				Ccy      string `json:"ccy"`
				AvailBal string `json:"availBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.Code != "0" || len(result.Data) == 0 {
		return nil, fmt.Errorf("okx balance error: %s", result.Msg)
	}

	balances := make(map[string]decimal.Decimal)
	for _, d := range result.Data[0].Details {
		balances[d.Ccy] = mustDecimal(d.AvailBal)
	}
	return balances, nil
}

func mapOrderState(state string) domain.OrderStatus {
	switch state {
	case "live":
		return domain.OrderStatusOpen
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusPending
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- WebSocket ---

// OnPriceUpdate registers a callback fired on every public trade.
func (o *OKXAdapter) OnPriceUpdate(callback func(symbol string, price decimal.Decimal)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, callback)
}

// Subscribe opens the public websocket (if needed) and subscribes to the
// trades channel for the given instruments. The read loop reconnects with
// exponential backoff until Close.
func (o *OKXAdapter) Subscribe(symbols []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.wsConn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(o.wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial okx websocket: %w", err)
		}
		o.wsConn = conn
		o.wsStop = make(chan struct{})
		go o.readLoop(symbols)
	}
	return o.subscribeLocked(symbols)
}

func (o *OKXAdapter) subscribeLocked(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]map[string]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, map[string]string{"channel": "trades", "instId": s})
	}
	return o.wsConn.WriteJSON(map[string]any{"op": "subscribe", "args": args})
}

func (o *OKXAdapter) readLoop(symbols []string) {
	for {
		o.mu.Lock()
		conn := o.wsConn
		stop := o.wsStop
		o.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			o.logger.Warn("okx websocket read failed, reconnecting", zap.Error(err))
			if !o.reconnect(symbols, stop) {
				return
			}
			continue
		}
		o.handleMessage(message)
	}
}

// reconnect re-dials with exponential backoff. Returns false once Close was
// called.
func (o *OKXAdapter) reconnect(symbols []string, stop chan struct{}) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		conn, _, err := websocket.DefaultDialer.Dial(o.wsURL, nil)
		if err != nil {
			return struct{}{}, err
		}
		o.mu.Lock()
		o.wsConn = conn
		err = o.subscribeLocked(symbols)
		o.mu.Unlock()
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		o.logger.Error("okx websocket reconnect abandoned", zap.Error(err))
		return false
	}
	o.logger.Info("okx websocket reconnected")
	return true
}

func (o *OKXAdapter) handleMessage(message []byte) {
	var event struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			Px string `json:"px"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return
	}
	if event.Arg.Channel != "trades" || len(event.Data) == 0 {
		return
	}
	price := mustDecimal(event.Data[len(event.Data)-1].Px)
	if !price.IsPositive() {
		return
	}

	o.mu.Lock()
	callbacks := make([]func(string, decimal.Decimal), len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb(event.Arg.InstID, price)
	}
}

func (o *OKXAdapter) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.wsStop != nil {
		close(o.wsStop)
		o.wsStop = nil
	}
	if o.wsConn != nil {
		o.wsConn.Close()
		o.wsConn = nil
	}
	return nil
}
