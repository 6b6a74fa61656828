package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/permit-signer/internal/app"
	"github.com/better-wallet/permit-signer/internal/chain"
	"github.com/better-wallet/permit-signer/internal/config"
	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/metrics"
	"github.com/better-wallet/permit-signer/internal/storage"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testAPIKey     = "ps_test_key"
	testSigningKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testNetworkID  = int64(100)
	testWallet     = "0x4007CE2083c7F3E18097aeB3A39bb8eC149a341d"
	testToken      = "0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d"
)

type fakeBackend struct {
	chainID  *big.Int
	decimals uint8
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return b.chainID, nil }
func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes([]byte{b.decimals}, 32), nil
}
func (b *fakeBackend) Close() {}

type memoryRecords struct {
	mu      sync.Mutex
	records map[string]*storage.PermitRecord
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{records: make(map[string]*storage.PermitRecord)}
}

func (m *memoryRecords) key(networkID int64, nonce *big.Int) string {
	return big.NewInt(networkID).String() + ":" + nonce.String()
}

func (m *memoryRecords) Create(ctx context.Context, rec *storage.PermitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(rec.NetworkID, rec.Nonce)
	if existing, ok := m.records[k]; ok {
		existing.IssueCount++
		existing.Amount = rec.Amount
		*rec = *existing
		return nil
	}
	rec.ID = uuid.New()
	rec.IssueCount = 1
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	stored := *rec
	m.records[k] = &stored
	return nil
}

func (m *memoryRecords) GetByNonce(ctx context.Context, networkID int64, nonce *big.Int) (*storage.PermitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(networkID, nonce)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *rec
	return &out, nil
}

type fixture struct {
	server    *Server
	handler   http.Handler
	serverPub string
	sealedKey string
	signer    common.Address
	records   *memoryRecords
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	priv, pub, err := keycustody.GenerateServerKey()
	require.NoError(t, err)
	sealed, err := keycustody.SealSigningKey(pub, testSigningKey)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Port:             0,
		APIKeyHash:       string(hash),
		RateLimitEnabled: false,
		RateLimitRPS:     100,
		RateLimitBurst:   100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	registry := chain.NewRegistry(
		map[int64]chain.Definition{testNetworkID: {NetworkID: testNetworkID, Name: "gnosis", RPCURL: "http://rpc.test"}},
		chain.WithDialer(func(ctx context.Context, url string) (chain.Backend, error) {
			return &fakeBackend{chainID: big.NewInt(testNetworkID), decimals: 18}, nil
		}),
	)
	t.Cleanup(registry.Close)

	records := newMemoryRecords()
	m := metrics.New()
	custody := keycustody.New(priv)
	service := app.NewPermitService(
		app.RegistryProvider{Registry: registry},
		custody,
		chain.NewTokenMetadata(chain.NewMemoryStore(), time.Hour),
		app.WithRecorder(records),
		app.WithObserver(m),
	)

	srv := NewServer(cfg, Deps{
		Permits:   service,
		ServerKey: custody,
		Records:   records,
		Counter:   m,
		Metrics:   m.Handler(),
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	key, err := crypto.HexToECDSA(testSigningKey)
	require.NoError(t, err)

	return &fixture{
		server:    srv,
		handler:   srv.Handler(),
		serverPub: pub,
		sealedKey: sealed,
		signer:    crypto.PubkeyToAddress(key.PublicKey),
		records:   records,
		metrics:   m,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.AppError {
	t.Helper()
	var body apperrors.AppError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["server_key_configured"])
	assert.Equal(t, true, body["audit_log_enabled"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerKey(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/server-key", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/server-key", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, f.serverPub, body["public_key"])
	assert.Equal(t, "base64url", body["encoding"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/v1/server-key", nil, true)

	rec := f.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `permit_signer_requests_total{code="ok"} 1`)
}

func TestRateLimitedV1(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimitEnabled = true
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/server-key", nil, true).Code)
	rec := f.do(t, http.MethodGet, "/v1/server-key", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.ErrCodeRateLimited, decodeError(t, rec).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, false).Code, "health is not rate limited")
}

func TestShutdownWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.server.Shutdown(context.Background()))
}
