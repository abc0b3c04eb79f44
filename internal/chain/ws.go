package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeNewHeads() error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseHead extracts the block number from an eth_subscription newHeads
// notification. ok is false for other messages (e.g. the subscribe reply).
func ParseHead(msg []byte) (uint64, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return 0, false, err
	}
	if env.Error != nil {
		return 0, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || env.Params.Result.Number == "" {
		return 0, false, nil
	}
	n, err := hexutil.DecodeUint64(env.Params.Result.Number)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// HeadSubscriber follows new blocks over a websocket endpoint and wakes up
// everyone waiting on Next when one arrives.
type HeadSubscriber struct {
	Endpoint string
	Retry    time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	latest uint64
	next   chan struct{}
}

func NewHeadSubscriber(endpoint string, log *zap.Logger) *HeadSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &HeadSubscriber{
		Endpoint: endpoint,
		Retry:    3 * time.Second,
		log:      log,
		next:     make(chan struct{}),
	}
}

// Next returns a channel closed when the next head is observed.
func (h *HeadSubscriber) Next() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

func (h *HeadSubscriber) Latest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

func (h *HeadSubscriber) observe(n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.latest {
		h.latest = n
	}
	close(h.next)
	h.next = make(chan struct{})
}

func (h *HeadSubscriber) Run(ctx context.Context) {
	if h.Endpoint == "" {
		h.log.Info("head subscription disabled: ws endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := NewWSClient(h.Endpoint)
		if err := client.Connect(ctx); err != nil {
			h.log.Warn("ws connect failed", zap.String("endpoint", h.Endpoint), zap.Error(err))
			sleep(ctx, h.Retry)
			continue
		}
		h.log.Info("ws connected", zap.String("endpoint", h.Endpoint))

		if err := client.SubscribeNewHeads(); err != nil {
			h.log.Warn("ws subscribe failed", zap.Error(err))
			client.Close()
			sleep(ctx, h.Retry)
			continue
		}

		stop := context.AfterFunc(ctx, client.Close)
		for {
			msg, err := client.Read()
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn("ws read failed", zap.Error(err))
				}
				client.Close()
				break
			}
			n, ok, err := ParseHead(msg)
			if err != nil {
				h.log.Warn("ws parse failed", zap.Error(err))
				continue
			}
			if ok {
				h.observe(n)
			}
		}
		stop()

		sleep(ctx, h.Retry)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
