package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/better-wallet/permit-signer/internal/logger"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// DefaultDialTimeout bounds how long Provider waits for an endpoint to answer.
const DefaultDialTimeout = 10 * time.Second

// Dialer connects to an RPC endpoint.
type Dialer func(ctx context.Context, rawURL string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, rawURL string) (Backend, error) {
	return ethclient.DialContext(ctx, rawURL)
}

// Registry hands out one connected Client per configured network. Clients are
// dialled on first use and reused afterwards.
type Registry struct {
	defs        map[int64]Definition
	dial        Dialer
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[int64]*Client
}

// Option configures a Registry
type Option func(*Registry)

// WithDialer replaces the RPC dialer
func WithDialer(d Dialer) Option {
	return func(r *Registry) { r.dial = d }
}

// WithDialTimeout overrides DefaultDialTimeout
func WithDialTimeout(d time.Duration) Option {
	return func(r *Registry) { r.dialTimeout = d }
}

// NewRegistry creates a registry over the given definitions
func NewRegistry(defs map[int64]Definition, opts ...Option) *Registry {
	r := &Registry{
		defs:        defs,
		dial:        DialEthclient,
		dialTimeout: DefaultDialTimeout,
		clients:     make(map[int64]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Networks lists the configured network ids in ascending order
func (r *Registry) Networks() []int64 {
	ids := make([]int64, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Provider returns the client for networkID, dialling its endpoint on first
// use. The endpoint must report networkID as its chain id.
func (r *Registry) Provider(ctx context.Context, networkID int64) (*Client, error) {
	def, ok := r.defs[networkID]
	if !ok {
		return nil, apperrors.ChainNotSupported(networkID)
	}

	r.mu.Lock()
	if c, ok := r.clients[networkID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	client, err := r.connect(dialCtx, networkID, def.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("network %d unavailable: %w", networkID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent caller may have connected first.
	if existing, ok := r.clients[networkID]; ok {
		client.Close()
		return existing, nil
	}
	r.clients[networkID] = client
	logger.Info(ctx, "rpc connected", "network_id", networkID, "name", def.Name, "endpoint", redactURL(client.Endpoint()))
	return client, nil
}

func (r *Registry) connect(ctx context.Context, networkID int64, rawURL string) (*Client, error) {
	backend, err := r.dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(rawURL), scrubURL(err, rawURL))
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("chain id from %s: %w", redactURL(rawURL), scrubURL(err, rawURL))
	}
	if chainID.Cmp(big.NewInt(networkID)) != 0 {
		backend.Close()
		return nil, fmt.Errorf("%s serves chain %s, expected %d", redactURL(rawURL), chainID, networkID)
	}

	return NewClient(backend, networkID, chainID, rawURL), nil
}

// redactURL keeps scheme and host only; RPC URLs often embed API keys.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "[unparseable rpc url]"
	}
	return u.Scheme + "://" + u.Host
}

// urlScrubbedError hides the full RPC URL in a transport error's text.
// Transport errors quote the request URL verbatim.
type urlScrubbedError struct {
	msg string
	err error
}

func (e *urlScrubbedError) Error() string { return e.msg }
func (e *urlScrubbedError) Unwrap() error { return e.err }

func scrubURL(err error, rawURL string) error {
	if err == nil || rawURL == "" || !strings.Contains(err.Error(), rawURL) {
		return err
	}
	return &urlScrubbedError{
		msg: strings.ReplaceAll(err.Error(), rawURL, redactURL(rawURL)),
		err: err,
	}
}

// Close closes every dialled client
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
