package main

import (
	"fmt"
	"io"

	"payoutmgr/crypto"
)

type addressBody struct {
	Address string `json:"address"`
}

func (c *cli) runPause(args []string, stdout, stderr io.Writer) int {
	if err := newFlagSet("pause", stderr).Parse(args); err != nil {
		return 1
	}
	return c.adminCall(stdout, stderr, "/v1/admin/pause", nil, "Payouts paused")
}

func (c *cli) runUnpause(args []string, stdout, stderr io.Writer) int {
	if err := newFlagSet("unpause", stderr).Parse(args); err != nil {
		return 1
	}
	return c.adminCall(stdout, stderr, "/v1/admin/unpause", nil, "Payouts resumed")
}

func (c *cli) runSetTreasury(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("set-treasury", stderr)
	address := fs.String("address", "", "asset store to activate")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		return printError(stderr, fmt.Errorf("--address: %w", err))
	}
	return c.adminCall(stdout, stderr, "/v1/admin/treasury", addressBody{Address: addr.Hex()}, "Treasury set to "+addr.Hex())
}

func (c *cli) runTransferOwnership(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("transfer-ownership", stderr)
	to := fs.String("to", "", "new owner")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseAddress(*to)
	if err != nil {
		return printError(stderr, fmt.Errorf("--to: %w", err))
	}
	return c.adminCall(stdout, stderr, "/v1/admin/ownership", addressBody{Address: addr.Hex()}, "Ownership transferred to "+addr.Hex())
}

func (c *cli) runRenounceOwnership(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("renounce-ownership", stderr)
	confirm := fs.Bool("yes", false, "confirm that administration is given up permanently")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !*confirm {
		return printError(stderr, fmt.Errorf("renouncing ownership is irreversible; pass --yes to confirm"))
	}
	return c.adminCall(stdout, stderr, "/v1/admin/ownership/renounce", nil, "Ownership renounced")
}

func (c *cli) adminCall(stdout, stderr io.Writer, path string, payload interface{}, done string) int {
	if _, err := c.loadProfile(); err != nil {
		return printError(stderr, err)
	}
	if err := c.signedPost(path, payload, true, nil); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, done)
	return 0
}
