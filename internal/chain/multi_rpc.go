package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"YDCoursePurchase/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// MultiRPCClient rotates between endpoints once the current one has failed
// failThreshold times in a row.
type MultiRPCClient struct {
	endpoints     []string
	clients       []*ethclient.Client
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
	log           *zap.Logger
}

func NewMultiRPCClient(ctx context.Context, endpoints []string, failThreshold int, log *zap.Logger) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, ErrNoEndpoints
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	clients := make([]*ethclient.Client, 0, len(list))
	for _, ep := range list {
		c, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &MultiRPCClient{
		endpoints:     list,
		clients:       clients,
		failThreshold: failThreshold,
		log:           log,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[m.index]
}

func (m *MultiRPCClient) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}

// withFailover runs fn against the current endpoint and moves on to the
// next one on transport failures. JSON-RPC error responses (reverts, nonce
// errors) and missing results are returned as-is: another node would answer
// the same.
func withFailover[T any](ctx context.Context, m *MultiRPCClient, fn func(*ethclient.Client) (T, error)) (T, error) {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var zero T
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		out, err := fn(client)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		if !isTransportError(ctx, err) {
			m.resetFailures(idx)
			return zero, err
		}
		lastErr = err
		m.noteFailure(idx)
		m.log.Warn("rpc call failed", zap.String("endpoint", m.endpoints[idx]), zap.Error(err))
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		if idx == start && attempts > 0 {
			break
		}
	}
	return zero, lastErr
}

func isTransportError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var dataErr rpc.DataError
	return !errors.As(err, &dataErr)
}

func (m *MultiRPCClient) currentClient() (*ethclient.Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) < 2 {
		m.failCount = 0
		return
	}
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
	metrics.RPCFailovers.Inc()
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
