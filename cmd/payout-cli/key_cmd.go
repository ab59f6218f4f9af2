package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"payoutmgr/crypto"
)

func (c *cli) runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("generate-key", stderr)
	out := fs.String("out", "", "path of the keystore to create")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	prefix := fs.String("prefix", crypto.DefaultPrefix, "bech32 prefix used when printing the identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		return printError(stderr, fmt.Errorf("--out is required"))
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return printError(stderr, fmt.Errorf("%w: %s; pass --force to overwrite", crypto.ErrKeystoreExists, path))
	}
	if c.passphrase == nil {
		return printError(stderr, fmt.Errorf("no passphrase source available"))
	}
	secret, err := c.passphrase()
	if err != nil {
		return printError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err)
	}
	save := crypto.CreateKeystore
	if *force {
		save = crypto.SaveToKeystore
	}
	if err := save(path, key, secret); err != nil {
		return printError(stderr, err)
	}
	return printIdentity(stdout, stderr, key.Address(), *prefix)
}

func (c *cli) runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keystorePath := fs.String("keystore", "", "keystore to read instead of the profile's")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(*keystorePath)
	prefix := crypto.DefaultPrefix
	if path == "" {
		profile, err := c.loadProfile()
		if err != nil {
			return printError(stderr, err)
		}
		path = profile.KeystorePath
		if profile.AddressPrefix != "" {
			prefix = profile.AddressPrefix
		}
	}
	addr, err := crypto.KeystoreAddress(path)
	if err != nil {
		return printError(stderr, err)
	}
	return printIdentity(stdout, stderr, addr, prefix)
}

func printIdentity(stdout, stderr io.Writer, addr common.Address, prefix string) int {
	fmt.Fprintf(stdout, "Address: %s\n", addr.Hex())
	encoded, err := crypto.EncodeBech32(prefix, addr)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "Bech32:  %s\n", encoded)
	return 0
}
