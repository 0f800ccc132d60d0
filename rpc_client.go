package sigmatrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	nativeDecimals     = 18

	// keccak256("Transfer(address,address,uint256)")
	transferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	// balanceOf(address)
	balanceOfSelector = "0x70a08231"

	errCodeMissingResponse = -32099
)

var (
	nodeRPCLogger     = NewLogger("node-rpc")
	rpcRequestCounter uint64
)

func newRPCRequestID() string {
	counter := atomic.AddUint64(&rpcRequestCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), counter)
}

// RPCRequest is one JSON-RPC call. An empty ID is filled in by CallBatch.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCResponse is one element of a JSON-RPC reply.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      rpcID           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

// rpcID accepts ids echoed back either as strings or as numbers.
type rpcID string

func (id *rpcID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		*id = rpcID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(trimmed, &asNumber); err != nil {
		return fmt.Errorf("rpc id: %w", err)
	}
	*id = rpcID(asNumber.String())
	return nil
}

// BalanceSnapshot is the balance of one asset for a wallet.
type BalanceSnapshot struct {
	TokenSymbol string `json:"tokenSymbol"`
	RawBalance  string `json:"rawBalance"`
	Decimals    int    `json:"decimals"`
	Formatted   string `json:"formatted"`
}

// BalanceSet is the outcome of one balance batch. Assets whose call failed
// are absent from Balances; TxCount is nil when unknown.
type BalanceSet struct {
	Balances map[string]BalanceSnapshot `json:"balances"`
	TxCount  *uint64                    `json:"txCount,omitempty"`
}

// Empty reports whether the batch yielded nothing usable.
func (s BalanceSet) Empty() bool {
	return len(s.Balances) == 0 && s.TxCount == nil
}

// RPCClient talks to an EVM JSON-RPC node, batching calls into one POST where
// possible.
type RPCClient struct {
	Endpoint   string
	HTTPClient *http.Client
	Logger     Logger

	// Rate and Burst configure the per-host token bucket used when HTTPClient is nil.
	Rate  float64
	Burst int

	NativeSymbol   string
	Tokens         []TokenSpec
	LookbackBlocks uint64
	BlockTime      time.Duration
	Now            func() time.Time

	clientOnce sync.Once
}

func (c *RPCClient) logger() Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return nodeRPCLogger
}

func (c *RPCClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *RPCClient) httpClient() *http.Client {
	c.clientOnce.Do(func() {
		if c.HTTPClient == nil {
			c.HTTPClient = newRateLimitedHTTPClient(c.endpoint(), c.Rate, c.Burst)
		}
	})
	return c.HTTPClient
}

func (c *RPCClient) endpoint() string {
	if c.Endpoint == "" {
		panic("RPCClient endpoint not configured")
	}
	return c.Endpoint
}

// CallBatch submits every request in one HTTP round trip and returns the
// responses in request order. Providers are matched by id, so a reply that
// reorders elements still maps result i back to request i; replies without
// ids fall back to position. A request with no matching reply gets an error
// response rather than failing the batch.
func (c *RPCClient) CallBatch(ctx context.Context, requests []RPCRequest) ([]RPCResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	batch := make([]RPCRequest, len(requests))
	for i, req := range requests {
		if req.JSONRPC == "" {
			req.JSONRPC = "2.0"
		}
		if req.ID == "" {
			req.ID = newRPCRequestID()
		}
		if req.Params == nil {
			req.Params = []any{}
		}
		batch[i] = req
		rpcBatchItems.WithLabelValues(req.Method).Inc()
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(batch); err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}

	resp, err := c.doRPCRequest(ctx, buf.Bytes())
	if err != nil {
		rpcBatchCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		rpcBatchCalls.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(body))
	}

	var replies []RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		rpcBatchCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	rpcBatchCalls.WithLabelValues("ok").Inc()
	return correlateResponses(batch, replies), nil
}

func correlateResponses(requests []RPCRequest, replies []RPCResponse) []RPCResponse {
	byID := make(map[string]RPCResponse, len(replies))
	for _, reply := range replies {
		if reply.ID != "" {
			byID[string(reply.ID)] = reply
		}
	}

	ordered := make([]RPCResponse, len(requests))
	for i, req := range requests {
		if reply, ok := byID[req.ID]; ok {
			ordered[i] = reply
			continue
		}
		if i < len(replies) && replies[i].ID == "" {
			ordered[i] = replies[i]
			continue
		}
		ordered[i] = RPCResponse{
			JSONRPC: "2.0",
			ID:      rpcID(req.ID),
			Error:   &RPCError{Code: errCodeMissingResponse, Message: "no response for request"},
		}
	}
	return ordered
}

// Call performs a single JSON-RPC call.
func (c *RPCClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	payload := RPCRequest{
		JSONRPC: "2.0",
		ID:      newRPCRequestID(),
		Method:  method,
		Params:  params,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := c.doRPCRequest(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return nil, fmt.Errorf("rpc response missing result")
	}
	return rpcResp.Result, nil
}

// BlockNumber returns the current chain head.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var quantity string
	if err := json.Unmarshal(raw, &quantity); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return parseHexUint(quantity)
}

// Balances fetches the native balance, every tracked token balance and the
// wallet's transaction count in a single batch. A failed batch yields an empty
// set; the caller keeps whatever it showed before.
func (c *RPCClient) Balances(ctx context.Context, wallet string) BalanceSet {
	address := common.HexToAddress(wallet)
	paddedWallet := common.BytesToHash(address.Bytes()).Hex()[2:]

	requests := []RPCRequest{
		{Method: "eth_getBalance", Params: []any{address.Hex(), "latest"}},
		{Method: "eth_getTransactionCount", Params: []any{address.Hex(), "latest"}},
	}
	for _, token := range c.Tokens {
		requests = append(requests, RPCRequest{
			Method: "eth_call",
			Params: []any{
				map[string]string{
					"to":   token.Contract.Hex(),
					"data": balanceOfSelector + paddedWallet,
				},
				"latest",
			},
		})
	}

	set := BalanceSet{Balances: make(map[string]BalanceSnapshot, len(requests))}
	responses, err := c.CallBatch(ctx, requests)
	if err != nil {
		c.logger().Warnf("balance batch failed wallet=%s error=%v", address.Hex(), err)
		return set
	}

	if value, err := decodeQuantityResult(responses[0]); err != nil {
		c.logger().Warnf("native balance unavailable wallet=%s error=%v", address.Hex(), err)
	} else {
		symbol := c.NativeSymbol
		if symbol == "" {
			symbol = "ETH"
		}
		set.Balances[symbol] = newBalanceSnapshot(symbol, value, nativeDecimals)
	}

	if value, err := decodeQuantityResult(responses[1]); err != nil {
		c.logger().Warnf("transaction count unavailable wallet=%s error=%v", address.Hex(), err)
	} else if value.IsUint64() {
		count := value.Uint64()
		set.TxCount = &count
	}

	for i, token := range c.Tokens {
		value, err := decodeWordResult(responses[i+2])
		if err != nil {
			c.logger().Warnf("token balance unavailable wallet=%s token=%s error=%v", address.Hex(), token.Symbol, err)
			continue
		}
		set.Balances[token.Symbol] = newBalanceSnapshot(token.Symbol, value, token.Decimals)
	}
	return set
}

// RecentTokenTransfers reads Transfer logs of the tracked tokens touching
// wallet over the last LookbackBlocks blocks: incoming (wallet in topic 2)
// and outgoing (wallet in topic 1) in one batch. Any failure yields an empty
// list.
func (c *RPCClient) RecentTokenTransfers(ctx context.Context, wallet string) []Transaction {
	if len(c.Tokens) == 0 {
		return nil
	}
	latest, err := c.BlockNumber(ctx)
	if err != nil {
		c.logger().Warnf("block number unavailable error=%v", err)
		return nil
	}

	fromBlock := uint64(0)
	if latest > c.LookbackBlocks {
		fromBlock = latest - c.LookbackBlocks
	}

	address := common.HexToAddress(wallet)
	walletTopic := common.BytesToHash(address.Bytes()).Hex()

	contracts := make([]string, 0, len(c.Tokens))
	byContract := make(map[string]TokenSpec, len(c.Tokens))
	for _, token := range c.Tokens {
		contracts = append(contracts, token.Contract.Hex())
		byContract[strings.ToLower(token.Contract.Hex())] = token
	}

	filter := func(topics []any) map[string]any {
		return map[string]any{
			"fromBlock": hexutil.EncodeUint64(fromBlock),
			"toBlock":   hexutil.EncodeUint64(latest),
			"address":   contracts,
			"topics":    topics,
		}
	}
	requests := []RPCRequest{
		{Method: "eth_getLogs", Params: []any{filter([]any{transferEventTopic, nil, walletTopic})}},
		{Method: "eth_getLogs", Params: []any{filter([]any{transferEventTopic, walletTopic})}},
	}

	responses, err := c.CallBatch(ctx, requests)
	if err != nil {
		c.logger().Warnf("log batch failed wallet=%s error=%v", address.Hex(), err)
		return nil
	}

	clock := blockClock{latest: latest, now: c.now(), blockTime: c.BlockTime}
	var transfers []Transaction
	for _, resp := range responses {
		if resp.Error != nil {
			c.logger().Warnf("log query failed wallet=%s error=%v", address.Hex(), resp.Error)
			continue
		}
		var logs []transferLog
		if err := json.Unmarshal(resp.Result, &logs); err != nil {
			c.logger().Warnf("decode logs wallet=%s error=%v", address.Hex(), err)
			continue
		}
		for _, entry := range logs {
			token, ok := byContract[strings.ToLower(entry.Address)]
			if !ok {
				continue
			}
			if tx, ok := entry.normalize(token, clock); ok {
				transfers = append(transfers, tx)
			}
		}
	}
	c.logger().Printf("recent transfers wallet=%s blocks=%d..%d count=%d", address.Hex(), fromBlock, latest, len(transfers))
	return transfers
}

func newBalanceSnapshot(symbol string, raw *big.Int, decimals int) BalanceSnapshot {
	return BalanceSnapshot{
		TokenSymbol: symbol,
		RawBalance:  raw.String(),
		Decimals:    decimals,
		Formatted:   formatUnits(raw, decimals),
	}
}

func decodeQuantityResult(resp RPCResponse) (*big.Int, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	var quantity string
	if err := json.Unmarshal(resp.Result, &quantity); err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	value, err := hexutil.DecodeBig(quantity)
	if err != nil {
		// some nodes pad quantities; fall back to a lenient parse
		return decodeHexWord(quantity)
	}
	return value, nil
}

func decodeWordResult(resp RPCResponse) (*big.Int, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	var word string
	if err := json.Unmarshal(resp.Result, &word); err != nil {
		return nil, fmt.Errorf("decode word: %w", err)
	}
	return decodeHexWord(word)
}

func decodeHexWord(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return nil, fmt.Errorf("hex value %q missing 0x prefix", value)
	}
	digits := trimmed[2:]
	if digits == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex value %q", value)
	}
	return n, nil
}

func parseHexUint(value string) (uint64, error) {
	if n, err := hexutil.DecodeUint64(value); err == nil {
		return n, nil
	}
	n, err := decodeHexWord(value)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("hex value %q overflows uint64", value)
	}
	return n.Uint64(), nil
}

func newRateLimitedHTTPClient(endpoint string, ratePerSecond float64, burst int) *http.Client {
	limiter := limiterForEndpoint(endpoint, ratePerSecond, burst)
	transport := http.RoundTripper(&metricsTransport{
		Base:    http.DefaultTransport,
		Counter: externalResponses,
	})
	if limiter != nil {
		transport = &RateLimitedTransport{
			Limiter: limiter,
			Base:    transport,
		}
	}
	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: transport,
	}
}

func (c *RPCClient) doRPCRequest(ctx context.Context, payload []byte) (*http.Response, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger().Warnf("429 response headers: %v", resp.Header)
			if delay, ok := retryAfterDelay(resp.Header.Get("Retry-After")); ok {
				resp.Body.Close()
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
					continue
				}
			}
		}

		return resp, nil
	}
}

func retryAfterDelay(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}

	if when, err := http.ParseTime(value); err == nil {
		delay := max(time.Until(when), 0)
		return delay, true
	}

	return 0, false
}
