package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillm/trade-controller/internal/config"
)

const (
	categorySpot   = "spot"
	accountUnified = "UNIFIED"
)

// Client аутентифицированный REST-клиент биржи (Bybit v5 API).
// Все вызовы блокирующие с явным таймаутом на endpoint; rate limiter
// общий на клиента, чтобы не ловить 429 на всплесках.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow string
	client     *http.Client
	limiter    *rate.Limiter

	quoteTimeout   time.Duration
	orderTimeout   time.Duration
	balanceTimeout time.Duration

	mu                sync.Mutex
	consecutiveErrors int
	lastLatency       time.Duration
}

// consecutiveErrorsDegraded порог последовательных ошибок для health-пробы
const consecutiveErrorsDegraded = 3

// NewClient создает клиента из конфигурации
func NewClient(cfg config.ExchangeConfig) *Client {
	return &Client{
		apiKey:         cfg.APIKey,
		apiSecret:      cfg.APISecret,
		baseURL:        cfg.BaseURL,
		recvWindow:     cfg.RecvWindow,
		client:         &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		quoteTimeout:   cfg.QuoteTimeout,
		orderTimeout:   cfg.OrderTimeout,
		balanceTimeout: cfg.BalanceTimeout,
	}
}

type tickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

type walletBalanceResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	} `json:"result"`
}

type orderCreateResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"result"`
}

type openOrdersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			OrderStatus string `json:"orderStatus"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	} `json:"result"`
}

type apiKeyInfoResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		ReadOnly int `json:"readOnly"`
	} `json:"result"`
}

// GetTicker получает текущие bid/ask/last по символу
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	params := fmt.Sprintf("category=%s&symbol=%s", categorySpot, symbol)

	var resp tickerResponse
	if err := c.get(ctx, c.quoteTimeout, "/v5/market/tickers", params, false, &resp); err != nil {
		return Ticker{}, err
	}
	if resp.RetCode != 0 {
		return Ticker{}, c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return Ticker{}, fmt.Errorf("no ticker data for symbol %s", symbol)
	}

	row := resp.Result.List[0]
	last, err := strconv.ParseFloat(row.LastPrice, 64)
	if err != nil {
		return Ticker{}, fmt.Errorf("failed to parse last price for %s: %w", symbol, err)
	}
	bid, _ := strconv.ParseFloat(row.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(row.Ask1Price, 64)

	ts := time.Now()
	if resp.Time > 0 {
		ts = time.UnixMilli(resp.Time)
	}

	return Ticker{Symbol: symbol, Last: last, Bid: bid, Ask: ask, Timestamp: ts}, nil
}

// GetBalance получает доступный баланс валюты
func (c *Client) GetBalance(ctx context.Context, coin string) (float64, error) {
	params := fmt.Sprintf("accountType=%s&coin=%s", accountUnified, coin)

	var resp walletBalanceResponse
	if err := c.get(ctx, c.balanceTimeout, "/v5/account/wallet-balance", params, true, &resp); err != nil {
		return 0, err
	}
	if resp.RetCode != 0 {
		return 0, c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return 0, nil
	}

	for _, coinData := range resp.Result.List[0].Coin {
		if coinData.Coin != coin {
			continue
		}
		if coinData.AvailableToWithdraw == "" {
			return 0, nil
		}
		balance, err := strconv.ParseFloat(coinData.AvailableToWithdraw, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse balance for %s: %w", coin, err)
		}
		return balance, nil
	}
	return 0, nil
}

// PlaceOrder размещает лимитный ордер с идемпотентным orderLinkId.
// Биржа дедуплицирует по orderLinkId: повторная отправка того же ключа
// возвращает исходный ордер.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error) {
	params := map[string]interface{}{
		"category":    categorySpot,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"orderType":   req.OrderType,
		"qty":         fmt.Sprintf("%.8f", req.Quantity),
		"price":       fmt.Sprintf("%.8f", req.Price),
		"timeInForce": req.TimeInForce,
		"orderLinkId": req.ClientOrderID,
	}

	var resp orderCreateResponse
	if err := c.post(ctx, c.orderTimeout, "/v5/order/create", params, &resp); err != nil {
		return OrderAck{}, err
	}
	if resp.RetCode != 0 {
		// 10429-* и 10006 — rate limit на уровне retCode
		status := 200
		if resp.RetCode == 10006 {
			status = 429
		}
		return OrderAck{}, c.apiError(status, resp.RetCode, resp.RetMsg)
	}

	return OrderAck{
		ExchangeOrderID: resp.Result.OrderID,
		ClientOrderID:   resp.Result.OrderLinkID,
	}, nil
}

// CancelOrder активно отменяет ордер по клиентскому ключу
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]interface{}{
		"category":    categorySpot,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}

	var resp orderCreateResponse
	if err := c.post(ctx, c.orderTimeout, "/v5/order/cancel", params, &resp); err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	return nil
}

// GetOpenOrders возвращает живые ордера аккаунта
func (c *Client) GetOpenOrders(ctx context.Context) ([]ExchangeOrder, error) {
	params := fmt.Sprintf("category=%s", categorySpot)

	var resp openOrdersResponse
	if err := c.get(ctx, c.orderTimeout, "/v5/order/realtime", params, true, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	return c.parseOrders(resp)
}

// GetOrderHistory возвращает недавно завершенные ордера
func (c *Client) GetOrderHistory(ctx context.Context) ([]ExchangeOrder, error) {
	params := fmt.Sprintf("category=%s", categorySpot)

	var resp openOrdersResponse
	if err := c.get(ctx, c.orderTimeout, "/v5/order/history", params, true, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	return c.parseOrders(resp)
}

// AccountSnapshot собирает авторитетный срез аккаунта для reconciliation
func (c *Client) AccountSnapshot(ctx context.Context, coins []string, symbols []string) (AccountSnapshot, error) {
	snap := AccountSnapshot{
		Balances:  make(map[string]float64),
		Holdings:  make(map[string]float64),
		Timestamp: time.Now(),
	}

	for _, coin := range coins {
		bal, err := c.GetBalance(ctx, coin)
		if err != nil {
			return AccountSnapshot{}, fmt.Errorf("snapshot balance %s: %w", coin, err)
		}
		snap.Balances[coin] = bal
	}

	for _, sym := range symbols {
		base := baseAsset(sym)
		units, err := c.GetBalance(ctx, base)
		if err != nil {
			return AccountSnapshot{}, fmt.Errorf("snapshot holding %s: %w", base, err)
		}
		snap.Holdings[base] = units
	}

	open, err := c.GetOpenOrders(ctx)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("snapshot open orders: %w", err)
	}
	history, err := c.GetOrderHistory(ctx)
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("snapshot order history: %w", err)
	}
	snap.Orders = append(open, history...)

	return snap, nil
}

// ReadOnly проверяет статус ключей API: live-отправка требует не-read-only ключей
func (c *Client) ReadOnly(ctx context.Context) (bool, error) {
	var resp apiKeyInfoResponse
	if err := c.get(ctx, c.balanceTimeout, "/v5/user/query-api", "", true, &resp); err != nil {
		return true, err
	}
	if resp.RetCode != 0 {
		return true, c.apiError(200, resp.RetCode, resp.RetMsg)
	}
	return resp.Result.ReadOnly != 0, nil
}

// Degraded health-проба: true при серии последовательных ошибок
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors >= consecutiveErrorsDegraded
}

func (c *Client) parseOrders(resp openOrdersResponse) ([]ExchangeOrder, error) {
	orders := make([]ExchangeOrder, 0, len(resp.Result.List))
	for _, row := range resp.Result.List {
		price, _ := strconv.ParseFloat(row.Price, 64)
		qty, _ := strconv.ParseFloat(row.Qty, 64)
		filled, _ := strconv.ParseFloat(row.CumExecQty, 64)
		avgPrice, _ := strconv.ParseFloat(row.AvgPrice, 64)

		updated := time.Now()
		if ms, err := strconv.ParseInt(row.UpdatedTime, 10, 64); err == nil {
			updated = time.UnixMilli(ms)
		}

		orders = append(orders, ExchangeOrder{
			ExchangeOrderID: row.OrderID,
			ClientOrderID:   row.OrderLinkID,
			Symbol:          row.Symbol,
			Side:            strings.ToUpper(row.Side),
			Price:           price,
			Quantity:        qty,
			FilledQuantity:  filled,
			AvgFillPrice:    avgPrice,
			Status:          row.OrderStatus,
			UpdatedAt:       updated,
		})
	}
	return orders, nil
}

func (c *Client) get(ctx context.Context, timeout time.Duration, endpoint, params string, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	if params != "" {
		url = fmt.Sprintf("%s?%s", url, params)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		c.setAuthHeaders(req, timestamp, c.sign(timestamp, params))
	}

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, timeout time.Duration, endpoint string, params map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(jsonData)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	c.setAuthHeaders(req, timestamp, c.sign(timestamp, string(jsonData)))

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordOutcome(time.Since(start), err)
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordOutcome(time.Since(start), err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	// 429/5xx сюрфейсятся отдельно от ошибок валидации
	// и засчитываются health-пробе наравне с транспортными ошибками
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		apiErr := c.apiError(resp.StatusCode, 0, strings.TrimSpace(string(body)))
		c.recordOutcome(time.Since(start), apiErr)
		return apiErr
	}

	c.recordOutcome(time.Since(start), nil)
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) apiError(httpStatus, retCode int, msg string) error {
	return &APIError{HTTPStatus: httpStatus, RetCode: retCode, Message: msg}
}

func (c *Client) recordOutcome(latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLatency = latency
	if err != nil {
		c.consecutiveErrors++
	} else {
		c.consecutiveErrors = 0
	}
}

// sign генерирует HMAC-подпись запроса
func (c *Client) sign(timestamp, payload string) string {
	message := timestamp + c.apiKey + c.recvWindow + payload
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
}

// bybitSide переводит сторону в формат API ("BUY" -> "Buy")
func bybitSide(side string) string {
	if side == "SELL" {
		return "Sell"
	}
	return "Buy"
}

// baseAsset выделяет базовый актив из символа (BTCUSDT -> BTC)
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
