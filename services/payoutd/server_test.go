package payoutd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"payoutmgr/core/events"
	"payoutmgr/native/payout"
	"payoutmgr/storage"
	"payoutmgr/treasury"
)

const testBearer = "operator-secret"

var (
	testNow      = time.Unix(1_700_000_000, 0)
	treasuryOne  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	treasuryTwo  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	custodyAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	oneTokenUnit = treasury.Unit(treasury.DefaultDecimals)
)

type testEnv struct {
	server   *Server
	engine   *payout.Engine
	journal  *events.Journal
	dir      *treasury.Directory
	owner    *ecdsa.PrivateKey
	issuer   *payout.Issuer
	clockSec int64
}

func newTestEnv(t *testing.T, supply int64) *testEnv {
	t.Helper()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	issuer, err := payout.NewIssuer(owner)
	require.NoError(t, err)

	dir := treasury.NewDirectory()
	require.NoError(t, dir.Deploy(treasuryOne, treasury.NewLedger(custodyAddr, "Treasury", "TRS", supply)))
	require.NoError(t, dir.Deploy(treasuryTwo, treasury.NewLedger(custodyAddr, "Reserve", "RSV", 10)))

	db := storage.NewMemDB()
	store, err := payout.NewKVStore(db)
	require.NoError(t, err)
	journal, err := events.NewJournal(db)
	require.NoError(t, err)

	engine, err := payout.NewEngine(context.Background(), payout.Config{
		Owner:    issuer.Address(),
		Account:  custodyAddr,
		Treasury: treasuryOne,
	}, dir, payout.WithStore(store), payout.WithRecorder(journal))
	require.NoError(t, err)

	admin, err := NewAuthenticator(AuthConfig{BearerToken: testBearer})
	require.NoError(t, err)
	server, err := NewServer(engine, journal,
		NewWalletAuthenticator(time.Minute, func() time.Time { return testNow }),
		admin,
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return &testEnv{server: server, engine: engine, journal: journal, dir: dir, owner: owner, issuer: issuer}
}

// signed builds a request carrying a wallet envelope. Each call uses a new
// timestamp so identical bodies still produce distinct signatures.
func (e *testEnv) signed(t *testing.T, key *ecdsa.PrivateKey, method, path string, body []byte) *http.Request {
	t.Helper()
	e.clockSec++
	timestamp := strconv.FormatInt(testNow.Unix()+e.clockSec, 10)
	sig, err := SignWalletRequest(key, method, path, body, timestamp)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(HeaderWalletAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderWalletTimestamp, timestamp)
	req.Header.Set(HeaderWalletSignature, sig)
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func redeemBody(t *testing.T, cheque *payout.Cheque) []byte {
	t.Helper()
	body, err := json.Marshal(RedeemRequest{
		Amount: cheque.Amount.String(),
		V:      cheque.Signature.V,
		R:      cheque.Signature.RHex(),
		S:      cheque.Signature.SHex(),
	})
	require.NoError(t, err)
	return body
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestRedeemPaysOnceAndRejectsReplay(t *testing.T) {
	env := newTestEnv(t, 100)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	aliceAddr := ethcrypto.PubkeyToAddress(alice.PublicKey)

	cheque, err := env.issuer.Issue(aliceAddr, oneTokenUnit, 0)
	require.NoError(t, err)
	body := redeemBody(t, cheque)

	rec := env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var paid PayoutResponse
	decodeJSON(t, rec, &paid)
	require.Equal(t, "0", paid.Nonce)
	require.Equal(t, strings.ToLower(aliceAddr.Hex()), paid.Payee)
	require.Equal(t, strings.ToLower(treasuryOne.Hex()), paid.Treasury)

	ledger, ok := env.dir.Ledger(treasuryOne)
	require.True(t, ok)
	balance, err := ledger.BalanceOf(context.Background(), aliceAddr)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(oneTokenUnit))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/nonces/"+aliceAddr.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var nonce map[string]string
	decodeJSON(t, rec, &nonce)
	require.Equal(t, "1", nonce["nonce"])

	rec = env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var failure errorBody
	decodeJSON(t, rec, &failure)
	require.Equal(t, "cheque_invalid", failure.Code)

	next, err := env.issuer.Issue(aliceAddr, oneTokenUnit, 1)
	require.NoError(t, err)
	rec = env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", redeemBody(t, next)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRedeemByAnotherWalletIsInvalid(t *testing.T) {
	env := newTestEnv(t, 100)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	mallory, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	cheque, err := env.issuer.Issue(ethcrypto.PubkeyToAddress(alice.PublicKey), oneTokenUnit, 0)
	require.NoError(t, err)
	rec := env.do(env.signed(t, mallory, http.MethodPost, "/v1/redeem", redeemBody(t, cheque)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var failure errorBody
	decodeJSON(t, rec, &failure)
	require.Equal(t, "cheque_invalid", failure.Code)
}

func TestRedeemRequiresWalletEnvelope(t *testing.T) {
	env := newTestEnv(t, 100)
	req := httptest.NewRequest(http.MethodPost, "/v1/redeem", strings.NewReader(`{"amount":"1","v":27,"r":"0x00","s":"0x00"}`))
	rec := env.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletEnvelopeCannotBeReplayed(t *testing.T) {
	env := newTestEnv(t, 100)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cheque, err := env.issuer.Issue(ethcrypto.PubkeyToAddress(alice.PublicKey), oneTokenUnit, 0)
	require.NoError(t, err)
	body := redeemBody(t, cheque)

	first := env.signed(t, alice, http.MethodPost, "/v1/redeem", body)
	replay := httptest.NewRequest(http.MethodPost, "/v1/redeem", bytes.NewReader(body))
	replay.Header = first.Header.Clone()

	require.Equal(t, http.StatusOK, env.do(first).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(replay).Code)
}

func TestWalletEnvelopeRejectsStaleTimestamp(t *testing.T) {
	auth := NewWalletAuthenticator(time.Minute, func() time.Time { return testNow })
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	stale := strconv.FormatInt(testNow.Add(-2*time.Minute).Unix(), 10)
	sig, err := SignWalletRequest(key, http.MethodPost, "/v1/redeem", nil, stale)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/redeem", nil)
	req.Header.Set(HeaderWalletAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderWalletTimestamp, stale)
	req.Header.Set(HeaderWalletSignature, sig)
	_, err = auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "skew")
}

func TestRedeemShortfallReportsAvailableBalance(t *testing.T) {
	env := newTestEnv(t, 1)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	aliceAddr := ethcrypto.PubkeyToAddress(alice.PublicKey)
	amount := new(big.Int).Mul(big.NewInt(2), oneTokenUnit)
	cheque, err := env.issuer.Issue(aliceAddr, amount, 0)
	require.NoError(t, err)

	rec := env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", redeemBody(t, cheque)))
	require.Equal(t, http.StatusConflict, rec.Code)
	var failure errorBody
	decodeJSON(t, rec, &failure)
	require.Equal(t, "treasury_balance_not_enough", failure.Code)
	require.Equal(t, oneTokenUnit.String(), failure.Available)
	require.Equal(t, amount.String(), failure.Amount)
	require.Equal(t, strings.ToLower(aliceAddr.Hex()), failure.Payee)

	nonce, err := env.engine.Nonces(aliceAddr)
	require.NoError(t, err)
	require.Zero(t, nonce)
}

func TestAdminPauseGatesRedemption(t *testing.T) {
	env := newTestEnv(t, 100)
	stranger, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	unauthenticated := env.signed(t, env.owner, http.MethodPost, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusUnauthorized, env.do(unauthenticated).Code)

	notOwner := env.signed(t, stranger, http.MethodPost, "/v1/admin/pause", nil)
	notOwner.Header.Set("Authorization", "Bearer "+testBearer)
	rec := env.do(notOwner)
	require.Equal(t, http.StatusForbidden, rec.Code)
	var failure errorBody
	decodeJSON(t, rec, &failure)
	require.Equal(t, "unauthorized", failure.Code)

	pause := env.signed(t, env.owner, http.MethodPost, "/v1/admin/pause", nil)
	pause.Header.Set("Authorization", "Bearer "+testBearer)
	require.Equal(t, http.StatusNoContent, env.do(pause).Code)
	require.True(t, env.engine.Paused())

	again := env.signed(t, env.owner, http.MethodPost, "/v1/admin/pause", nil)
	again.Header.Set("Authorization", "Bearer "+testBearer)
	require.Equal(t, http.StatusConflict, env.do(again).Code)

	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cheque, err := env.issuer.Issue(ethcrypto.PubkeyToAddress(alice.PublicKey), oneTokenUnit, 0)
	require.NoError(t, err)
	rec = env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", redeemBody(t, cheque)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decodeJSON(t, rec, &failure)
	require.Equal(t, "payouts_paused", failure.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/paused", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"paused":true}`, rec.Body.String())
}

func TestAdminSetTreasury(t *testing.T) {
	env := newTestEnv(t, 100)
	body := []byte(`{"address":"` + treasuryTwo.Hex() + `"}`)
	req := env.signed(t, env.owner, http.MethodPost, "/v1/admin/treasury", body)
	req.Header.Set("Authorization", "Bearer "+testBearer)
	rec := env.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/treasury", nil))
	require.JSONEq(t, `{"treasury":"`+strings.ToLower(treasuryTwo.Hex())+`"}`, rec.Body.String())

	req = env.signed(t, env.owner, http.MethodPost, "/v1/admin/treasury", body)
	req.Header.Set("Authorization", "Bearer "+testBearer)
	rec = env.do(req)
	require.Equal(t, http.StatusConflict, rec.Code)
	var failure errorBody
	decodeJSON(t, rec, &failure)
	require.Equal(t, "treasury_already_in_use", failure.Code)

	unknown := []byte(`{"address":"0x00000000000000000000000000000000000000ff"}`)
	req = env.signed(t, env.owner, http.MethodPost, "/v1/admin/treasury", unknown)
	req.Header.Set("Authorization", "Bearer "+testBearer)
	rec = env.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decodeJSON(t, rec, &failure)
	require.Equal(t, "treasury_invalid", failure.Code)
}

func TestVerifyEndpointMirrorsEngineDecision(t *testing.T) {
	env := newTestEnv(t, 100)
	payee := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	cheque, err := env.issuer.Issue(payee, oneTokenUnit, 3)
	require.NoError(t, err)

	verify := func(nonce uint64, amount string) bool {
		body, err := json.Marshal(VerifyRequest{
			Nonce:  nonce,
			Payee:  payee.Hex(),
			Amount: amount,
			V:      cheque.Signature.V,
			R:      cheque.Signature.RHex(),
			S:      cheque.Signature.SHex(),
		})
		require.NoError(t, err)
		rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/verify", bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]bool
		decodeJSON(t, rec, &out)
		return out["valid"]
	}
	require.True(t, verify(3, oneTokenUnit.String()))
	require.False(t, verify(2, oneTokenUnit.String()))
	require.False(t, verify(3, "1"))
}

func TestEventsListJournaledRecords(t *testing.T) {
	env := newTestEnv(t, 100)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	cheque, err := env.issuer.Issue(ethcrypto.PubkeyToAddress(alice.PublicKey), oneTokenUnit, 0)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, env.do(env.signed(t, alice, http.MethodPost, "/v1/redeem", redeemBody(t, cheque))).Code)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/events?type="+payout.EventTypePayedOut, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Events []events.Entry `json:"events"`
		Next   uint64         `json:"next"`
		Head   uint64         `json:"head"`
	}
	decodeJSON(t, rec, &out)
	require.Len(t, out.Events, 1)
	require.Equal(t, "0", out.Events[0].Attrs["nonce"])
	// ownership_transferred and treasury_changed precede the payout.
	require.EqualValues(t, 3, out.Head)
	require.EqualValues(t, 3, out.Next)
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 2, time.Minute)
	require.True(t, limiter.Allow("client"))
	require.True(t, limiter.Allow("client"))
	require.False(t, limiter.Allow("client"))
	require.True(t, limiter.Allow("other"))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 1)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestRedeemSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t, 100)
	alice, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	aliceAddr := ethcrypto.PubkeyToAddress(alice.PublicKey)
	cheque, err := env.issuer.Issue(aliceAddr, oneTokenUnit, 0)
	require.NoError(t, err)

	req := env.signed(t, alice, http.MethodPost, "/v1/redeem", redeemBody(t, cheque))
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := env.do(req.WithContext(ctx))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	nonce, err := env.engine.Nonces(aliceAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func TestUnconfirmedTransferIsAccepted(t *testing.T) {
	payee := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	rec := httptest.NewRecorder()
	status, code := writeEngineError(rec, &payout.UnconfirmedTransferError{
		Payout: &payout.Payout{Treasury: treasuryOne, Nonce: 4, Payee: payee, Amount: big.NewInt(100)},
		Err:    context.DeadlineExceeded,
	})
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "transfer_unconfirmed", code)

	var body errorBody
	decodeJSON(t, rec, &body)
	require.Equal(t, "4", body.Nonce)
	require.Equal(t, "100", body.Amount)
	require.Equal(t, strings.ToLower(payee.Hex()), body.Payee)
	require.Equal(t, strings.ToLower(treasuryOne.Hex()), body.Treasury)
}

func TestRecordLoggerWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := recordLogger{logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	logger.Emit(events.Record{Evt: payout.NewPausedEvent(custodyAddr)})

	var line map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "payout record", line["msg"])
	require.Equal(t, payout.EventTypePaused, line["type"])
	require.Equal(t, strings.ToLower(custodyAddr.Hex()), line["account"])
}
