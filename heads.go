package sigmatrade

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrHeadsExhausted is returned by HeadSubscriber.Run once every reconnect
// attempt failed. Callers fall back to refreshing on demand.
var ErrHeadsExhausted = errors.New("new heads stream: reconnect attempts exhausted")

const (
	defaultHeadsBaseBackoff = time.Second
	defaultHeadsMaxBackoff  = 30 * time.Second
	defaultHeadsMaxAttempts = 10
)

var headsLog = NewLogger("heads")

// HeadSubscriber follows new block headers over a node websocket.
type HeadSubscriber struct {
	URL         string
	Dialer      *websocket.Dialer
	OnHead      func(ctx context.Context, number uint64)
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	Logger      Logger
}

type subscriptionNotice struct {
	Method string `json:"method"`
	Params struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func (h *HeadSubscriber) logger() Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return headsLog
}

// Run keeps the subscription alive until ctx is done or the reconnect budget
// is spent. A successful subscription resets the attempt counter.
func (h *HeadSubscriber) Run(ctx context.Context) error {
	base, ceiling, maxAttempts := h.BaseBackoff, h.MaxBackoff, h.MaxAttempts
	if base <= 0 {
		base = defaultHeadsBaseBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultHeadsMaxBackoff
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultHeadsMaxAttempts
	}

	attempt := 0
	for {
		subscribed, err := h.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: %v", ErrHeadsExhausted, err)
		}

		delay := headsBackoff(base, ceiling, attempt)
		attempt++
		headReconnects.Inc()
		h.logger().Warnf("heads stream dropped, reconnecting attempt=%d delay=%s error=%v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// headsBackoff is base*2^attempt, capped at ceiling.
func headsBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	return min(delay, ceiling)
}

func (h *HeadSubscriber) session(ctx context.Context) (bool, error) {
	dialer := h.Dialer
	if dialer == nil {
		copied := *websocket.DefaultDialer
		dialer = &copied
		if strings.HasPrefix(h.URL, "wss://") {
			dialer.TLSClientConfig = &tls.Config{}
		}
	}

	conn, _, err := dialer.DialContext(ctx, h.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	subscribe := RPCRequest{
		JSONRPC: "2.0",
		ID:      newRPCRequestID(),
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	var ack RPCResponse
	if err := conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("read subscribe reply: %w", err)
	}
	if ack.Error != nil {
		return false, ack.Error
	}
	var subscription string
	if err := json.Unmarshal(ack.Result, &subscription); err != nil || subscription == "" {
		return false, fmt.Errorf("subscribe reply carries no subscription id")
	}
	h.logger().Printf("subscribed to new heads url=%s subscription=%s", h.URL, subscription)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("receive: %w", err)
		}
		var notice subscriptionNotice
		if err := json.Unmarshal(msg, &notice); err != nil {
			h.logger().Warnf("undecodable heads message error=%v", err)
			continue
		}
		if notice.Method != "eth_subscription" || notice.Params.Subscription != subscription {
			continue
		}
		number, err := parseHexUint(notice.Params.Result.Number)
		if err != nil {
			h.logger().Warnf("head without block number error=%v", err)
			continue
		}
		if h.OnHead != nil {
			h.OnHead(ctx, number)
		}
	}
}
