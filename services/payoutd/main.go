package payoutd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"payoutmgr/core/events"
	"payoutmgr/crypto"
	"payoutmgr/native/payout"
	"payoutmgr/observability"
	"payoutmgr/observability/logging"
	telemetry "payoutmgr/observability/otel"
	"payoutmgr/storage"
	"payoutmgr/treasury"
)

// Run starts the payout daemon described by cfg and blocks until ctx is
// cancelled or the listener fails. passphrase unlocks a custody keystore.
func Run(ctx context.Context, cfg Config, passphrase func() (string, error)) error {
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("PAYOUT_ENV"))
	}
	logger := logging.Setup("payoutd", env, logging.Output(logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "payoutd",
		Environment: env,
		Endpoint:    strings.TrimSpace(cfg.Telemetry.Endpoint),
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	store, err := payout.NewKVStore(db)
	if err != nil {
		return err
	}
	journal, err := events.NewJournal(db)
	if err != nil {
		return err
	}

	custodyKey, err := cfg.Custody.LoadKey(passphrase)
	if err != nil {
		return fmt.Errorf("load custody key: %w", err)
	}
	account, err := custodyAccount(cfg.Custody, custodyKey)
	if err != nil {
		return err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resolver, err := buildResolver(setupCtx, cfg.Treasury, account, custodyKey)
	if err != nil {
		return fmt.Errorf("treasury backend: %w", err)
	}

	engineCfg, err := engineConfig(cfg, account)
	if err != nil {
		return err
	}
	engine, err := payout.NewEngine(setupCtx, engineCfg, resolver,
		payout.WithStore(store),
		payout.WithRecorder(journal),
		payout.WithEmitter(events.Fanout{observability.EventCounter{}, recordLogger{logger: logger}}),
	)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	if cfg.PauseOnStart && !engine.Paused() && engine.Owner() != (common.Address{}) {
		if err := engine.Pause(engine.Owner()); err != nil && !errors.Is(err, payout.ErrAlreadyPaused) {
			return fmt.Errorf("pause on start: %w", err)
		}
	}
	logger.Info("payout engine ready",
		slog.String("owner", strings.ToLower(engine.Owner().Hex())),
		slog.String("treasury", strings.ToLower(engine.TreasuryAddress().Hex())),
		slog.Bool("paused", engine.Paused()),
	)
	logger.Info("admin authentication configured",
		logging.MaskField("bearer_token", cfg.Admin.BearerToken),
		slog.Bool("mtls", cfg.Admin.MTLS.Enabled),
		slog.String("treasury_kind", cfg.Treasury.Kind),
		slog.String("data_dir", cfg.DataDir),
	)

	admin, err := NewAuthenticator(AuthConfig{BearerToken: cfg.Admin.BearerToken, AllowMTLS: cfg.Admin.MTLS.Enabled})
	if err != nil {
		return err
	}
	server, err := NewServer(engine, journal,
		NewWalletAuthenticator(cfg.Auth.TimestampSkew.Duration, time.Now),
		admin,
		WithLogger(logger),
		WithSubmitTimeout(cfg.Treasury.SubmitTimeout.Duration),
		WithRateLimiter(NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL.Duration)),
	)
	if err != nil {
		return err
	}

	tlsConfig, err := cfg.Admin.serverTLS()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      telemetry.Middleware("payoutd")(server),
		TLSConfig:    tlsConfig,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("payoutd listening", slog.String("address", cfg.ListenAddress))
		if cfg.Admin.TLS.Disable {
			errs <- httpServer.ListenAndServe()
			return
		}
		errs <- httpServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// recordLogger writes every committed engine record to the service log.
type recordLogger struct {
	logger *slog.Logger
}

func (l recordLogger) Emit(evt events.Event) {
	if evt == nil || evt.Event() == nil {
		return
	}
	attrs := make([]any, 0, len(evt.Event().Attributes)+1)
	attrs = append(attrs, slog.String("type", evt.EventType()))
	for k, v := range evt.Event().Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	l.logger.Info("payout record", attrs...)
}

func openDatabase(dataDir string) (storage.Database, error) {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(dir, "payout"))
}

func custodyAccount(cfg CustodyConfig, key *crypto.PrivateKey) (common.Address, error) {
	if cfg.Account != "" {
		account, err := crypto.ParseAddress(cfg.Account)
		if err != nil {
			return common.Address{}, fmt.Errorf("custody account: %w", err)
		}
		if key != nil && key.Address() != account {
			return common.Address{}, fmt.Errorf("custody key controls %s, not %s", key.Address().Hex(), account.Hex())
		}
		return account, nil
	}
	if key == nil {
		return common.Address{}, fmt.Errorf("custody account or key required")
	}
	return key.Address(), nil
}

func engineConfig(cfg Config, account common.Address) (payout.Config, error) {
	owner, err := crypto.ParseAddress(cfg.Owner)
	if err != nil {
		return payout.Config{}, fmt.Errorf("owner: %w", err)
	}
	treasuryAddr, err := crypto.ParseAddress(cfg.Treasury.Address)
	if err != nil {
		return payout.Config{}, fmt.Errorf("treasury: %w", err)
	}
	out := payout.Config{Owner: owner, Account: account, Treasury: treasuryAddr}
	if strings.TrimSpace(cfg.Issuer) != "" {
		issuer, err := crypto.ParseAddress(cfg.Issuer)
		if err != nil {
			return payout.Config{}, fmt.Errorf("issuer: %w", err)
		}
		out.Issuer = issuer
	}
	return out, nil
}

// buildResolver returns the asset store directory for the configured backend.
// The memory backend deploys every configured ledger with its supply minted
// to the custody account.
func buildResolver(ctx context.Context, cfg TreasuryConfig, account common.Address, key *crypto.PrivateKey) (payout.Resolver, error) {
	switch cfg.Kind {
	case TreasuryKindMemory:
		directory := treasury.NewDirectory()
		for _, ledgerCfg := range cfg.Ledgers {
			addr, err := crypto.ParseAddress(ledgerCfg.Address)
			if err != nil {
				return nil, err
			}
			name := strings.TrimSpace(ledgerCfg.Name)
			if name == "" {
				name = "Treasury"
			}
			symbol := strings.TrimSpace(ledgerCfg.Symbol)
			if symbol == "" {
				symbol = "TRS"
			}
			if err := directory.Deploy(addr, treasury.NewLedger(account, name, symbol, ledgerCfg.Supply)); err != nil {
				return nil, err
			}
		}
		return directory, nil
	case TreasuryKindERC20:
		client, err := treasury.Dial(cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		if chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
			return nil, fmt.Errorf("rpc reports chain %s, configured %d", chainID, cfg.ChainID)
		}
		if key == nil {
			return nil, fmt.Errorf("custody key required for erc20 transfers")
		}
		return treasury.NewERC20Resolver(client, key.PrivateKey, treasury.ERC20Options{
			ChainID:      chainID,
			WaitMined:    cfg.WaitMined,
			PollInterval: cfg.PollInterval.Duration,
		})
	default:
		return nil, fmt.Errorf("unsupported treasury kind %q", cfg.Kind)
	}
}
