package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"payoutmgr/cmd/internal/passphrase"
	"payoutmgr/config"
	"payoutmgr/crypto"
)

const defaultProfilePath = "payout-cli.toml"

// cli carries the resolved global settings shared by every subcommand. The
// profile and signing key are loaded on first use so read-only commands
// against an explicit endpoint never touch the keystore.
type cli struct {
	configPath string
	endpoint   string
	passphrase func() (string, error)
	httpClient *http.Client
	now        func() time.Time

	profile *config.Config
	key     *crypto.PrivateKey
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("payout-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", envOr("PAYOUT_CLI_CONFIG", defaultProfilePath), "path to the CLI profile")
	endpoint := fs.String("endpoint", os.Getenv("PAYOUT_ENDPOINT"), "payoutd base URL (overrides the profile)")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	c := &cli{
		configPath: *configPath,
		endpoint:   strings.TrimRight(strings.TrimSpace(*endpoint), "/"),
		now:        time.Now,
	}
	c.passphrase = passphrase.NewSource("", "keystore").Get
	return c.dispatch(fs.Args(), stdout, stderr)
}

func (c *cli) dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "generate-key":
		return c.runGenerateKey(args[1:], stdout, stderr)
	case "address":
		return c.runAddress(args[1:], stdout, stderr)
	case "sign":
		return c.runSign(args[1:], stdout, stderr)
	case "redeem":
		return c.runRedeem(args[1:], stdout, stderr)
	case "verify":
		return c.runVerify(args[1:], stdout, stderr)
	case "nonce":
		return c.runNonce(args[1:], stdout, stderr)
	case "status":
		return c.runStatus(args[1:], stdout, stderr)
	case "events":
		return c.runEvents(args[1:], stdout, stderr)
	case "pause":
		return c.runPause(args[1:], stdout, stderr)
	case "unpause":
		return c.runUnpause(args[1:], stdout, stderr)
	case "set-treasury":
		return c.runSetTreasury(args[1:], stdout, stderr)
	case "transfer-ownership":
		return c.runTransferOwnership(args[1:], stdout, stderr)
	case "renounce-ownership":
		return c.runRenounceOwnership(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: payout-cli [--config path] [--endpoint url] <command> [flags]",
		"",
		"Keys:",
		"  generate-key --out <keystore>        create a new keystore",
		"  address                              print the profile identity",
		"",
		"Cheques:",
		"  sign --payee <addr> --amount <n>     issue a cheque for the payee's next nonce",
		"  redeem --cheque <file> | --amount <n> --v <v> --r <r> --s <s>",
		"  verify --cheque <file> [--issuer <addr>]",
		"",
		"Queries:",
		"  nonce --payee <addr>",
		"  status",
		"  events [--from n] [--limit n] [--type t] [--file out.json]",
		"",
		"Owner administration:",
		"  pause | unpause",
		"  set-treasury --address <addr>",
		"  transfer-ownership --to <addr>",
		"  renounce-ownership --yes",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func (c *cli) loadProfile() (*config.Config, error) {
	if c.profile != nil {
		return c.profile, nil
	}
	profile, err := config.Load(c.configPath, c.passphraseFor(nil))
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", c.configPath, err)
	}
	c.profile = profile
	return profile, nil
}

// passphraseFor prefers the profile's passphrase variable when one is
// configured and falls back to the interactive source.
func (c *cli) passphraseFor(profile *config.Config) func() (string, error) {
	return func() (string, error) {
		if profile != nil && profile.PassphraseEnv != "" {
			if value, ok := os.LookupEnv(profile.PassphraseEnv); ok && strings.TrimSpace(value) != "" {
				return value, nil
			}
		}
		if c.passphrase == nil {
			return "", fmt.Errorf("no passphrase source available")
		}
		return c.passphrase()
	}
}

// signingKey decrypts the profile keystore, or keystorePath when supplied.
func (c *cli) signingKey(keystorePath string) (*crypto.PrivateKey, error) {
	if keystorePath == "" && c.key != nil {
		return c.key, nil
	}
	profile, err := c.loadProfile()
	if err != nil {
		return nil, err
	}
	path := keystorePath
	if path == "" {
		path = profile.KeystorePath
	}
	secret, err := c.passphraseFor(profile)()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, secret)
	if err != nil {
		return nil, err
	}
	if keystorePath == "" {
		c.key = key
	}
	return key, nil
}

func (c *cli) decimals() uint8 {
	if c.profile != nil && c.profile.Decimals > 0 {
		return c.profile.Decimals
	}
	return 18
}
