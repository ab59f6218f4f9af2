package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"payoutmgr/crypto"
	"payoutmgr/native/payout"
	"payoutmgr/services/payoutd"
)

func (c *cli) runSign(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign", stderr)
	var (
		payeeStr     string
		amountStr    string
		decimals     int
		nonceStr     string
		keystorePath string
		outPath      string
	)
	fs.StringVar(&payeeStr, "payee", "", "payee address (hex or bech32)")
	fs.StringVar(&amountStr, "amount", "", "amount in whole tokens, e.g. 12.5")
	fs.IntVar(&decimals, "decimals", -1, "token decimals (defaults to the profile)")
	fs.StringVar(&nonceStr, "nonce", "", "nonce to sign (defaults to the payee's current nonce on the daemon)")
	fs.StringVar(&keystorePath, "keystore", "", "issuer keystore (defaults to the profile keystore)")
	fs.StringVar(&outPath, "out", "", "write the cheque to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, fmt.Errorf("unexpected positional arguments"))
	}
	payee, err := crypto.ParseAddress(payeeStr)
	if err != nil {
		return printError(stderr, fmt.Errorf("--payee: %w", err))
	}
	key, err := c.signingKey(strings.TrimSpace(keystorePath))
	if err != nil {
		return printError(stderr, err)
	}
	digits, err := c.resolveDecimals(decimals)
	if err != nil {
		return printError(stderr, err)
	}
	amount, err := toBaseUnits(amountStr, digits)
	if err != nil {
		return printError(stderr, fmt.Errorf("--amount: %w", err))
	}
	var nonce uint64
	if strings.TrimSpace(nonceStr) != "" {
		nonce, err = strconv.ParseUint(strings.TrimSpace(nonceStr), 10, 64)
		if err != nil {
			return printError(stderr, fmt.Errorf("--nonce must be a non-negative integer"))
		}
	} else {
		nonce, err = c.fetchNonce(payee.Hex())
		if err != nil {
			return printError(stderr, err)
		}
	}
	issuer, err := payout.NewIssuer(key.PrivateKey)
	if err != nil {
		return printError(stderr, err)
	}
	cheque, err := issuer.Issue(payee, amount, nonce)
	if err != nil {
		return printError(stderr, err)
	}
	encoded, err := json.MarshalIndent(cheque, "", "  ")
	if err != nil {
		return printError(stderr, err)
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, append(encoded, '\n'), 0o600); err != nil {
			return printError(stderr, err)
		}
		fmt.Fprintf(stdout, "Cheque for %s (nonce %d) written to %s\n", payee.Hex(), nonce, outPath)
		return 0
	}
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

func (c *cli) runRedeem(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("redeem", stderr)
	var (
		chequePath string
		amountStr  string
		decimals   int
		v          uint
		r          string
		s          string
	)
	fs.StringVar(&chequePath, "cheque", "", "cheque JSON produced by sign")
	fs.StringVar(&amountStr, "amount", "", "amount in whole tokens (when not using --cheque)")
	fs.IntVar(&decimals, "decimals", -1, "token decimals (defaults to the profile)")
	fs.UintVar(&v, "v", 0, "signature recovery id (27 or 28)")
	fs.StringVar(&r, "r", "", "signature r word (0x-prefixed hex)")
	fs.StringVar(&s, "s", "", "signature s word (0x-prefixed hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := c.signingKey("")
	if err != nil {
		return printError(stderr, err)
	}

	var req payoutd.RedeemRequest
	if strings.TrimSpace(chequePath) != "" {
		cheque, err := readCheque(chequePath)
		if err != nil {
			return printError(stderr, err)
		}
		if cheque.Payee != key.Address() {
			return printError(stderr, fmt.Errorf("cheque names payee %s but the keystore holds %s", cheque.Payee.Hex(), key.Address().Hex()))
		}
		req = payoutd.RedeemRequest{
			Amount: cheque.Amount.String(),
			V:      cheque.Signature.V,
			R:      cheque.Signature.RHex(),
			S:      cheque.Signature.SHex(),
		}
	} else {
		digits, err := c.resolveDecimals(decimals)
		if err != nil {
			return printError(stderr, err)
		}
		amount, err := toBaseUnits(amountStr, digits)
		if err != nil {
			return printError(stderr, fmt.Errorf("--amount: %w", err))
		}
		if v > 255 {
			return printError(stderr, fmt.Errorf("--v out of range"))
		}
		if _, err := payout.ParseSignature(uint8(v), r, s); err != nil {
			return printError(stderr, err)
		}
		req = payoutd.RedeemRequest{Amount: amount.String(), V: uint8(v), R: r, S: s}
	}

	var resp payoutd.PayoutResponse
	if err := c.signedPost("/v1/redeem", req, false, &resp); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "Redeemed nonce %s: %s paid to %s from treasury %s\n", resp.Nonce, resp.Amount, resp.Payee, resp.Treasury)
	return 0
}

func (c *cli) runVerify(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", stderr)
	chequePath := fs.String("cheque", "", "cheque JSON produced by sign")
	issuer := fs.String("issuer", "", "expected issuer (defaults to the daemon's authorized issuer)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*chequePath) == "" {
		return printError(stderr, fmt.Errorf("--cheque is required"))
	}
	cheque, err := readCheque(*chequePath)
	if err != nil {
		return printError(stderr, err)
	}
	req := payoutd.VerifyRequest{
		Nonce:  cheque.Nonce,
		Payee:  cheque.Payee.Hex(),
		Amount: cheque.Amount.String(),
		V:      cheque.Signature.V,
		R:      cheque.Signature.RHex(),
		S:      cheque.Signature.SHex(),
		Issuer: strings.TrimSpace(*issuer),
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := c.post("/v1/verify", req, &resp); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "valid: %t\n", resp.Valid)
	if !resp.Valid {
		return 1
	}
	return 0
}

func (c *cli) runNonce(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("nonce", stderr)
	payee := fs.String("payee", "", "payee address (hex or bech32)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseAddress(*payee)
	if err != nil {
		return printError(stderr, fmt.Errorf("--payee: %w", err))
	}
	nonce, err := c.fetchNonce(addr.Hex())
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, nonce)
	return 0
}

func (c *cli) fetchNonce(payee string) (uint64, error) {
	var resp struct {
		Nonce string `json:"nonce"`
	}
	if err := c.get("/v1/nonces/"+url.PathEscape(payee), &resp); err != nil {
		return 0, fmt.Errorf("fetch nonce: %w", err)
	}
	nonce, err := strconv.ParseUint(resp.Nonce, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("daemon returned invalid nonce %q", resp.Nonce)
	}
	return nonce, nil
}

func (c *cli) resolveDecimals(flagValue int) (uint8, error) {
	if flagValue < 0 {
		return c.decimals(), nil
	}
	if flagValue > 77 {
		return 0, fmt.Errorf("--decimals must be between 0 and 77")
	}
	return uint8(flagValue), nil
}

func readCheque(path string) (*payout.Cheque, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cheque payout.Cheque
	if err := json.Unmarshal(data, &cheque); err != nil {
		return nil, fmt.Errorf("parse cheque %s: %w", path, err)
	}
	return &cheque, nil
}
