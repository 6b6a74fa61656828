package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/better-wallet/permit-signer/internal/chain"
	"github.com/better-wallet/permit-signer/internal/keycustody"
	"github.com/better-wallet/permit-signer/internal/nonce"
	"github.com/better-wallet/permit-signer/internal/permit"
	"github.com/better-wallet/permit-signer/internal/signer"
	"github.com/better-wallet/permit-signer/internal/storage"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSigningKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testWallet = "0x4007CE2083c7F3E18097aeB3A39bb8eC149a341d"
	testToken  = common.HexToAddress("0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d")
)

type fakeNetwork struct {
	id       int64
	decimals uint8
	err      error
}

func (n *fakeNetwork) NetworkID() int64  { return n.id }
func (n *fakeNetwork) ChainID() *big.Int { return big.NewInt(n.id) }
func (n *fakeNetwork) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	return n.decimals, n.err
}

type fakeChains struct {
	network *fakeNetwork
	err     error
	calls   atomic.Int32
}

func (c *fakeChains) Provider(ctx context.Context, networkID int64) (Network, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.network, nil
}

// countingCustody records whether key recovery was attempted.
type countingCustody struct {
	inner *keycustody.Custody
	calls atomic.Int32
}

func (c *countingCustody) Recover(ctx context.Context, cipherText string) (*keycustody.RecoveredKey, bool) {
	c.calls.Add(1)
	return c.inner.Recover(ctx, cipherText)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*storage.PermitRecord
	err     error
}

func (r *fakeRecorder) Create(ctx context.Context, rec *storage.PermitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

type fakeObserver struct {
	mu       sync.Mutex
	built    []int64
	absent   int
	outcomes []string
}

func (o *fakeObserver) PermitBuilt(networkID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.built = append(o.built, networkID)
}

func (o *fakeObserver) KeyAbsent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.absent++
}

func (o *fakeObserver) ObserveBuild(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

type fixture struct {
	service    *PermitService
	chains     *fakeChains
	custody    *countingCustody
	recorder   *fakeRecorder
	observer   *fakeObserver
	cipherText string
	serverPub  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	priv, pub, err := keycustody.GenerateServerKey()
	require.NoError(t, err)
	cipherText, err := keycustody.SealSigningKey(pub, testSigningKey)
	require.NoError(t, err)

	f := &fixture{
		chains:     &fakeChains{network: &fakeNetwork{id: 100, decimals: 6}},
		custody:    &countingCustody{inner: keycustody.New(priv)},
		recorder:   &fakeRecorder{},
		observer:   &fakeObserver{},
		cipherText: cipherText,
		serverPub:  pub,
	}
	f.service = NewPermitService(f.chains, f.custody, chain.NewTokenMetadata(nil, 0),
		WithRecorder(f.recorder),
		WithObserver(f.observer),
	)
	return f
}

func (f *fixture) request() BuildPermitRequest {
	return BuildPermitRequest{
		WalletAddress: testWallet,
		IssueID:       "I_abc",
		NetworkID:     100,
		EncryptedKey:  f.cipherText,
		UserID:        42,
		TokenAddress:  testToken,
		Amount:        "1.5",
	}
}

func expectedSigner(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testSigningKey)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestBuildPermitBundle_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bundle, err := f.service.BuildPermitBundle(ctx, f.request())
	require.NoError(t, err)
	defer bundle.Close()

	assert.Equal(t, expectedSigner(t), bundle.Signer.Address())
	assert.Equal(t, int64(100), bundle.NetworkID)

	p := bundle.Permit
	assert.Equal(t, testToken, p.Permitted.Token)
	assert.Equal(t, "1500000", p.Permitted.Amount.String())
	assert.Equal(t, common.HexToAddress(testWallet), p.Spender)
	assert.Equal(t, 0, nonce.Derive(42, "I_abc").Cmp(p.Nonce))
	assert.Equal(t, 0, permit.MaxUint256.Cmp(p.Deadline))

	assert.Equal(t, "100", bundle.TypedData.Domain.ChainID.String())
	assert.Equal(t, permit.Permit2Address, bundle.TypedData.Domain.VerifyingContract)

	signed, err := bundle.Sign(ctx)
	require.NoError(t, err)
	recovered, err := signer.RecoverAddress(signed.Digest, signed.Signature)
	require.NoError(t, err)
	assert.Equal(t, expectedSigner(t), recovered)

	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.Equal(t, "I_abc", rec.IssueID)
	assert.Equal(t, int64(42), rec.UserID)
	assert.Equal(t, expectedSigner(t).Hex(), rec.Signer)
	assert.Equal(t, "1500000", rec.Amount.String())

	assert.Equal(t, []int64{100}, f.observer.built)
	assert.Equal(t, []string{"ok"}, f.observer.outcomes)
}

func TestBuildPermitBundle_MissingWalletDoesNoWork(t *testing.T) {
	for _, wallet := range []string{"", "   "} {
		f := newFixture(t)
		req := f.request()
		req.WalletAddress = wallet

		bundle, err := f.service.BuildPermitBundle(context.Background(), req)
		require.Error(t, err)
		assert.Nil(t, bundle)
		assert.ErrorIs(t, err, apperrors.WalletNotFound(""))

		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, "issue_id: I_abc", appErr.Detail)

		assert.Zero(t, f.chains.calls.Load(), "no provider lookup")
		assert.Zero(t, f.custody.calls.Load(), "no key recovery")
		assert.Empty(t, f.recorder.records)
		assert.Equal(t, []string{apperrors.ErrCodeWalletNotFound}, f.observer.outcomes)
	}
}

func TestBuildPermitBundle_InvalidWallet(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.WalletAddress = "0x1234"

	_, err := f.service.BuildPermitBundle(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.SchemaValidation("", ""))
	assert.Zero(t, f.custody.calls.Load())
}

func TestBuildPermitBundle_KeyUnavailable(t *testing.T) {
	otherPriv, _, err := keycustody.GenerateServerKey()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*fixture, *BuildPermitRequest)
	}{
		{name: "empty ciphertext", mutate: func(f *fixture, r *BuildPermitRequest) { r.EncryptedKey = "" }},
		{name: "garbage ciphertext", mutate: func(f *fixture, r *BuildPermitRequest) { r.EncryptedKey = "bm90LWEtc2VhbGVkLWJveA" }},
		{
			name: "wrong server key",
			mutate: func(f *fixture, r *BuildPermitRequest) {
				f.custody.inner = keycustody.New(otherPriv)
			},
		},
		{
			name: "server key not configured",
			mutate: func(f *fixture, r *BuildPermitRequest) {
				f.custody.inner = keycustody.New("")
			},
		},
		{
			name: "sealed payload is not a signing key",
			mutate: func(f *fixture, r *BuildPermitRequest) {
				ct, err := keycustody.SealSigningKey(f.serverPub, "not-hex")
				require.NoError(t, err)
				r.EncryptedKey = ct
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			tt.mutate(f, &req)

			bundle, err := f.service.BuildPermitBundle(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, bundle)
			assert.ErrorIs(t, err, apperrors.ErrKeyUnavailable)

			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok)
			assert.Empty(t, appErr.Detail, "no detail about why recovery failed")

			assert.Equal(t, 1, f.observer.absent)
			assert.Empty(t, f.recorder.records)
		})
	}
}

func TestBuildPermitBundle_ProviderErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.chains.err = apperrors.ChainNotSupported(5)

	_, err := f.service.BuildPermitBundle(context.Background(), f.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ChainNotSupported(5))
	assert.Zero(t, f.custody.calls.Load(), "provider is selected before key recovery")
	assert.Equal(t, []string{apperrors.ErrCodeChainNotSupported}, f.observer.outcomes)
}

func TestBuildPermitBundle_MetadataErrorPropagates(t *testing.T) {
	f := newFixture(t)
	rpcErr := errors.New("execution reverted")
	f.chains.network.err = rpcErr

	var built *signer.Signer
	f.service.newSigner = func(material []byte, network Network) (*signer.Signer, error) {
		s, err := DefaultSignerFactory(material, network)
		built = s
		return s, err
	}

	_, err := f.service.BuildPermitBundle(context.Background(), f.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcErr)
	assert.ErrorIs(t, err, apperrors.TokenMetadataFailed(""))

	require.NotNil(t, built)
	_, signErr := built.SignHash(common.Hash{})
	assert.ErrorIs(t, signErr, signer.ErrClosed, "signer is released when the pipeline aborts")
}

func TestBuildPermitBundle_AmountErrors(t *testing.T) {
	tests := []struct {
		amount string
		cause  error
	}{
		{amount: "1.0000001", cause: permit.ErrFractionalPrecision},
		{amount: "abc", cause: permit.ErrInvalidAmount},
		{amount: "1e400", cause: permit.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			req.Amount = tt.amount

			_, err := f.service.BuildPermitBundle(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.InvalidAmount("", nil))
			assert.Contains(t, err.Error(), tt.cause.Error())
			assert.Empty(t, f.recorder.records)
		})
	}
}

func TestBuildPermitBundle_RecorderFailure(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("db down")

	bundle, err := f.service.BuildPermitBundle(context.Background(), f.request())
	require.Error(t, err)
	assert.Nil(t, bundle)
	assert.Contains(t, err.Error(), "failed to record permit")
	assert.Empty(t, f.observer.built)
}

func TestBuildPermitBundle_WithoutOptionalCollaborators(t *testing.T) {
	f := newFixture(t)
	service := NewPermitService(f.chains, f.custody, chain.NewTokenMetadata(nil, 0))

	bundle, err := service.BuildPermitBundle(context.Background(), f.request())
	require.NoError(t, err)
	bundle.Close()

	_, err = bundle.Sign(context.Background())
	assert.ErrorIs(t, err, signer.ErrClosed)
}

func TestBuildPermitBundle_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1, err := f.service.BuildPermitBundle(ctx, f.request())
	require.NoError(t, err)
	defer b1.Close()
	b2, err := f.service.BuildPermitBundle(ctx, f.request())
	require.NoError(t, err)
	defer b2.Close()

	h1, err := b1.TypedData.Hash()
	require.NoError(t, err)
	h2, err := b2.TypedData.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "same request yields the same permit digest")

	req := f.request()
	req.IssueID = "I_def"
	b3, err := f.service.BuildPermitBundle(ctx, req)
	require.NoError(t, err)
	defer b3.Close()
	assert.NotEqual(t, 0, b1.Permit.Nonce.Cmp(b3.Permit.Nonce))
}

func TestBuildPermitBundle_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bundle, err := f.service.BuildPermitBundle(ctx, f.request())
			if err != nil {
				errs <- err
				return
			}
			defer bundle.Close()
			if _, err := bundle.Sign(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
