package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"payoutmgr/services/payoutd"
)

// apiError mirrors the daemon's error body.
type apiError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"error"`
	Available string `json:"available,omitempty"`
	Payee     string `json:"payee,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Treasury  string `json:"treasury,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
	if e.Available != "" {
		msg += fmt.Sprintf(" [available=%s requested=%s payee=%s]", e.Available, e.Amount, e.Payee)
	}
	if e.Status == http.StatusAccepted {
		msg += fmt.Sprintf(" [nonce %s is consumed; reconcile treasury %s before reissuing]", e.Nonce, e.Treasury)
	}
	return msg
}

func (c *cli) baseURL() (string, error) {
	if c.endpoint != "" {
		return c.endpoint, nil
	}
	profile, err := c.loadProfile()
	if err != nil {
		return "", err
	}
	return profile.Endpoint, nil
}

func (c *cli) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	timeout := 15 * time.Second
	if c.profile != nil && c.profile.Timeout > 0 {
		timeout = time.Duration(c.profile.Timeout) * time.Second
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c.httpClient
}

func (c *cli) get(path string, out interface{}) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// signedPost sends payload wrapped in a wallet envelope produced by the
// profile key. Admin calls additionally carry the operator bearer token.
func (c *cli) signedPost(path string, payload interface{}, admin bool, out interface{}) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	key, err := c.signingKey("")
	if err != nil {
		return err
	}
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature, err := payoutd.SignWalletRequest(key.PrivateKey, http.MethodPost, path, body, timestamp)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payoutd.HeaderWalletAddress, key.Address().Hex())
	req.Header.Set(payoutd.HeaderWalletTimestamp, timestamp)
	req.Header.Set(payoutd.HeaderWalletSignature, signature)
	if admin {
		token, err := c.adminToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *cli) post(path string, payload interface{}, out interface{}) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *cli) adminToken() (string, error) {
	envVar := "PAYOUT_ADMIN_TOKEN"
	if c.profile != nil && c.profile.AdminTokenEnv != "" {
		envVar = c.profile.AdminTokenEnv
	}
	token := strings.TrimSpace(os.Getenv(envVar))
	if token == "" {
		return "", fmt.Errorf("admin commands require a bearer token in %s", envVar)
	}
	return token, nil
}

func (c *cli) do(req *http.Request, out interface{}) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	// 202 carries a redemption whose transfer outcome is still unknown.
	if resp.StatusCode >= http.StatusBadRequest || resp.StatusCode == http.StatusAccepted {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
