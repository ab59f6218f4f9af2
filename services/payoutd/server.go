package payoutd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payoutmgr/core/events"
	"payoutmgr/crypto"
	"payoutmgr/native/payout"
)

// HeaderRequestID correlates a request with its log line.
const HeaderRequestID = "X-Request-ID"

// Server exposes the payout engine over HTTP.
type Server struct {
	engine  *payout.Engine
	journal *events.Journal
	wallet  *WalletAuthenticator
	admin   *Authenticator
	limiter *RateLimiter
	metrics *Metrics
	logger  *slog.Logger
	router  http.Handler

	submitTimeout time.Duration
}

// ServerOption customises the server instance.
type ServerOption func(*Server)

// WithRateLimiter throttles redemption and verification routes.
func WithRateLimiter(l *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithSubmitTimeout bounds the treasury calls of one redemption. The bound
// replaces the request context, so a client disconnect cannot interrupt a
// transfer that is already in flight.
func WithSubmitTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.submitTimeout = d
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics overrides the default metrics registry.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer wires the HTTP API around engine. journal backs the events
// listing; wallet authenticates payees and owners; admin guards the
// operator routes.
func NewServer(engine *payout.Engine, journal *events.Journal, wallet *WalletAuthenticator, admin *Authenticator, opts ...ServerOption) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("payoutd: engine required")
	}
	if journal == nil {
		return nil, fmt.Errorf("payoutd: journal required")
	}
	if wallet == nil {
		return nil, fmt.Errorf("payoutd: wallet authenticator required")
	}
	if admin == nil {
		return nil, fmt.Errorf("payoutd: admin authenticator required")
	}
	s := &Server{
		engine:  engine,
		journal: journal,
		wallet:  wallet,
		admin:   admin,
		metrics: NewMetrics(),
		logger:  slog.Default(),

		submitTimeout: DefaultSubmitTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.metrics.SetPaused(engine.Paused())
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/nonces/{payee}", s.handleNonce)
		api.Get("/treasury", s.handleTreasury)
		api.Get("/paused", s.handlePaused)
		api.Get("/owner", s.handleOwner)
		api.Get("/issuer", s.handleIssuer)
		api.Get("/balance", s.handleBalance)
		api.Get("/events", s.handleEvents)

		api.With(s.limit).Post("/verify", s.handleVerify)
		api.With(s.wallet.Middleware, s.limit).Post("/redeem", s.handleRedeem)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.admin.Middleware, s.wallet.Middleware)
			admin.Post("/pause", s.handlePause)
			admin.Post("/unpause", s.handleUnpause)
			admin.Post("/treasury", s.handleSetTreasury)
			admin.Post("/ownership", s.handleTransferOwnership)
			admin.Post("/ownership/renounce", s.handleRenounceOwnership)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status, time.Since(start))
		s.logger.Info("request",
			slog.String("request_id", w.Header().Get(HeaderRequestID)),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

func addressString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	payee, err := crypto.ParseAddress(chi.URLParam(r, "payee"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	nonce, err := s.engine.Nonces(payee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payee": addressString(payee),
		"nonce": strconv.FormatUint(nonce, 10),
	})
}

func (s *Server) handleTreasury(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"treasury": addressString(s.engine.TreasuryAddress())})
}

func (s *Server) handlePaused(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.engine.Paused()})
}

func (s *Server) handleOwner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"owner": addressString(s.engine.Owner())})
}

func (s *Server) handleIssuer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"issuer": addressString(s.engine.Issuer())})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.engine.Balance(r.Context())
	if err != nil {
		s.logger.Error("treasury balance failed", slog.String("error", err.Error()))
		writeEngineError(w, err)
		return
	}
	treasury := addressString(s.engine.TreasuryAddress())
	s.metrics.RecordBalance(treasury, balance)
	writeJSON(w, http.StatusOK, map[string]string{
		"treasury": treasury,
		"account":  addressString(s.engine.Account()),
		"balance":  balance.String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var from uint64
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid from")
			return
		}
		from = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}
	entries, err := s.journal.List(from, limit)
	if err != nil {
		s.logger.Error("journal list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	next := from + uint64(len(entries))
	if eventType := strings.TrimSpace(query.Get("type")); eventType != "" {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Type == eventType {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"next":   next,
		"head":   s.journal.Len(),
	})
}

// RedeemRequest is the body of POST /v1/redeem. The payee is the
// authenticated caller and is not part of the body.
type RedeemRequest struct {
	Amount string `json:"amount"`
	V      uint8  `json:"v"`
	R      string `json:"r"`
	S      string `json:"s"`
}

// PayoutResponse describes a completed redemption.
type PayoutResponse struct {
	Treasury   string `json:"treasury"`
	Nonce      string `json:"nonce"`
	Payee      string `json:"payee"`
	Amount     string `json:"amount"`
	V          uint8  `json:"v"`
	R          string `json:"r"`
	S          string `json:"s"`
	RedeemedAt int64  `json:"redeemedAt"`
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() < 0 {
		return nil, payout.ErrInvalidAmount
	}
	return amount, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, int64(MaxBodyForSignature)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "wallet signature required")
		return
	}
	var req RedeemRequest
	if err := decodeBody(r, &req); err != nil {
		s.metrics.RecordRedemption("invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.metrics.RecordRedemption("invalid_amount")
		writeEngineError(w, err)
		return
	}
	sig, err := payout.ParseSignature(req.V, req.R, req.S)
	if err != nil {
		// Malformed signature words are indistinguishable from a bad cheque.
		s.metrics.RecordRedemption("cheque_invalid")
		writeEngineError(w, payout.ErrChequeInvalid)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.submitTimeout)
	defer cancel()
	result, err := s.engine.Redeem(ctx, caller, amount, sig)
	if err != nil {
		_, code := writeEngineError(w, err)
		s.metrics.RecordRedemption(code)
		var unconfirmed *payout.UnconfirmedTransferError
		if errors.As(err, &unconfirmed) {
			unconfirmedTransfers().record(ctx, addressString(unconfirmed.Payout.Treasury))
			s.logger.Error("payout transfer unconfirmed",
				slog.String("payee", addressString(unconfirmed.Payout.Payee)),
				slog.String("treasury", addressString(unconfirmed.Payout.Treasury)),
				slog.String("amount", unconfirmed.Payout.Amount.String()),
				slog.Uint64("nonce", unconfirmed.Payout.Nonce),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Warn("redemption rejected",
			slog.String("caller", addressString(caller)),
			slog.String("amount", amount.String()),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordRedemption("success")
	s.refreshBalance(ctx)
	s.logger.Info("payout redeemed",
		slog.String("payee", addressString(result.Payee)),
		slog.String("treasury", addressString(result.Treasury)),
		slog.String("amount", result.Amount.String()),
		slog.Uint64("nonce", result.Nonce),
	)
	writeJSON(w, http.StatusOK, PayoutResponse{
		Treasury:   addressString(result.Treasury),
		Nonce:      strconv.FormatUint(result.Nonce, 10),
		Payee:      addressString(result.Payee),
		Amount:     result.Amount.String(),
		V:          result.Signature.V,
		R:          result.Signature.RHex(),
		S:          result.Signature.SHex(),
		RedeemedAt: result.RedeemedAt,
	})
}

func (s *Server) refreshBalance(ctx context.Context) {
	balance, err := s.engine.Balance(ctx)
	if err != nil {
		return
	}
	s.metrics.RecordBalance(addressString(s.engine.TreasuryAddress()), balance)
}

// VerifyRequest is the body of POST /v1/verify. Issuer defaults to the
// engine's authorized issuer.
type VerifyRequest struct {
	Nonce  uint64 `json:"nonce"`
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
	V      uint8  `json:"v"`
	R      string `json:"r"`
	S      string `json:"s"`
	Issuer string `json:"issuer,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	payee, err := crypto.ParseAddress(req.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return
	}
	issuer := s.engine.Issuer()
	if strings.TrimSpace(req.Issuer) != "" {
		issuer, err = crypto.ParseAddress(req.Issuer)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
			return
		}
	}
	valid := false
	if amount, err := parseAmount(req.Amount); err == nil {
		if sig, err := payout.ParseSignature(req.V, req.R, req.S); err == nil {
			valid = s.engine.VerifyOnly(req.Nonce, payee, amount, sig, issuer)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) adminCall(w http.ResponseWriter, r *http.Request, op string, call func(caller common.Address) error) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "wallet signature required")
		return
	}
	if err := call(caller); err != nil {
		_, code := writeEngineError(w, err)
		s.metrics.RecordAdmin(op, code)
		s.logger.Warn("admin call rejected",
			slog.String("op", op),
			slog.String("caller", addressString(caller)),
			slog.String("code", code),
		)
		return
	}
	s.metrics.RecordAdmin(op, "success")
	s.metrics.SetPaused(s.engine.Paused())
	s.logger.Info("admin call applied", slog.String("op", op), slog.String("caller", addressString(caller)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "pause", s.engine.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "unpause", s.engine.Unpause)
}

type addressRequest struct {
	Address string `json:"address"`
}

func (s *Server) decodeAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req addressRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload")
		return common.Address{}, false
	}
	if strings.TrimSpace(req.Address) == "" {
		return common.Address{}, true
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	candidate, ok := s.decodeAddress(w, r)
	if !ok {
		return
	}
	s.adminCall(w, r, "set_treasury", func(caller common.Address) error {
		if err := s.engine.SetTreasury(r.Context(), caller, candidate); err != nil {
			return err
		}
		s.refreshBalance(r.Context())
		return nil
	})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	next, ok := s.decodeAddress(w, r)
	if !ok {
		return
	}
	s.adminCall(w, r, "transfer_ownership", func(caller common.Address) error {
		return s.engine.TransferOwnership(caller, next)
	})
}

func (s *Server) handleRenounceOwnership(w http.ResponseWriter, r *http.Request) {
	s.adminCall(w, r, "renounce_ownership", s.engine.RenounceOwnership)
}
