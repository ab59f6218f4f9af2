package payoutd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/patrickmn/go-cache"

	"payoutmgr/crypto"
	"payoutmgr/native/payout"
)

// AuthConfig describes operator authentication options for admin routes.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// Authenticator validates incoming admin requests.
type Authenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	allowMTLS := cfg.AllowMTLS
	if !allowBearer && !allowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return &Authenticator{bearerToken: token, allowBearer: allowBearer, allowMTLS: allowMTLS}, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "auth_unavailable", "authentication unavailable")
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if a == nil {
		return false
	}
	if a.allowBearer && a.authenticateByBearer(r) {
		return true
	}
	if a.allowMTLS && a.authenticateByMTLS(r) {
		return true
	}
	return false
}

func (a *Authenticator) authenticateByBearer(r *http.Request) bool {
	if r == nil {
		return false
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) bool {
	if r == nil {
		return false
	}
	state := r.TLS
	if state == nil {
		return false
	}
	if len(state.VerifiedChains) > 0 {
		return true
	}
	if len(state.PeerCertificates) > 0 && state.HandshakeComplete {
		return true
	}
	return false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

const (
	// HeaderWalletAddress names the identity submitting the request.
	HeaderWalletAddress = "X-Wallet-Address"
	// HeaderWalletTimestamp is the unix timestamp (seconds) covered by the signature.
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
	// HeaderWalletSignature carries the hex-encoded 65-byte R || S || V signature.
	HeaderWalletSignature = "X-Wallet-Signature"
	// MaxBodyForSignature is the maximum body size hashed when authenticating.
	MaxBodyForSignature int = 1 << 20

	defaultWalletSkew = 2 * time.Minute
)

type callerKey struct{}

// CallerFromContext returns the identity authenticated by WalletAuthenticator.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// WalletAuthenticator binds a request to the wallet that signed it. The
// recovered identity is the caller handed to the engine, so a cheque can only
// be redeemed by the payee it names.
type WalletAuthenticator struct {
	skew   time.Duration
	nowFn  func() time.Time
	replay *cache.Cache
}

// NewWalletAuthenticator accepts signatures whose timestamp lies within skew
// of now. Each signature is accepted at most once inside the window.
func NewWalletAuthenticator(skew time.Duration, nowFn func() time.Time) *WalletAuthenticator {
	if skew <= 0 {
		skew = defaultWalletSkew
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &WalletAuthenticator{
		skew:   skew,
		nowFn:  nowFn,
		replay: cache.New(2*skew, skew),
	}
}

// WalletPayload returns the canonical request string covered by a wallet signature.
func WalletPayload(method, path string, body []byte, timestamp string) []byte {
	return []byte(strings.Join([]string{strings.ToUpper(method), path, string(body), timestamp}, "|"))
}

// SignWalletRequest produces the X-Wallet-Signature value for a request.
func SignWalletRequest(key *ecdsa.PrivateKey, method, path string, body []byte, timestamp string) (string, error) {
	sig, err := payout.Sign(key, ethcrypto.Keccak256(WalletPayload(method, path, body, timestamp)))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Bytes()), nil
}

// Authenticate verifies the envelope and returns the signing identity.
func (a *WalletAuthenticator) Authenticate(r *http.Request, body []byte) (common.Address, error) {
	if len(body) > MaxBodyForSignature {
		return common.Address{}, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	claimed, err := crypto.ParseAddress(r.Header.Get(HeaderWalletAddress))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s header: %w", HeaderWalletAddress, err)
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderWalletTimestamp))
	if timestamp == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderWalletTimestamp)
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := a.nowFn().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return common.Address{}, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	rawSig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderWalletSignature)), "0x")
	if rawSig == "" {
		return common.Address{}, fmt.Errorf("missing %s header", HeaderWalletSignature)
	}
	sigBytes, err := hex.DecodeString(rawSig)
	if err != nil || len(sigBytes) != 65 {
		return common.Address{}, errors.New("invalid signature encoding")
	}
	var sig payout.Signature
	copy(sig.R[:], sigBytes[:32])
	copy(sig.S[:], sigBytes[32:64])
	sig.V = sigBytes[64]
	msg := ethcrypto.Keccak256(WalletPayload(r.Method, r.URL.Path, body, timestamp))
	signer, err := payout.RecoverSigner(msg, sig)
	if err != nil || signer != claimed {
		return common.Address{}, errors.New("invalid signature")
	}
	replayKey := strings.ToLower(signer.Hex()) + "|" + strings.ToLower(rawSig)
	if err := a.replay.Add(replayKey, struct{}{}, cache.DefaultExpiration); err != nil {
		return common.Address{}, errors.New("signature already used")
	}
	return signer, nil
}

// Middleware authenticates the wallet envelope and stores the caller in the
// request context.
func (a *WalletAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "auth_unavailable", "authentication unavailable")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "read body")
			return
		}
		_ = r.Body.Close()
		caller, err := a.Authenticate(r, body)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}
