package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"payoutmgr/cmd/internal/passphrase"
	"payoutmgr/services/payoutd"
)

func main() {
	cfgPath := flag.String("config", "services/payoutd/config.yaml", "path to payoutd configuration")
	flag.Parse()

	cfg, err := payoutd.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "payoutd: load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := passphrase.NewSource(cfg.Custody.PassphraseEnv, "custody keystore")
	if err := payoutd.Run(ctx, cfg, source.Get); err != nil {
		fmt.Fprintf(os.Stderr, "payoutd: %v\n", err)
		stop()
		os.Exit(1)
	}
}
