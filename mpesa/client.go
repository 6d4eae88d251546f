package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Austinkuria/clinique-beauty-sub003/config"
)

var (
	// ErrInvalidArgument means the caller supplied bad input; not retryable.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUpstreamUnavailable means the gateway could not be reached or failed
	// transiently; the caller may retry.
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
	// ErrUpstreamRejected means the gateway synchronously refused the request;
	// retrying without changing the input will not help.
	ErrUpstreamRejected = errors.New("payment gateway rejected request")
	// ErrPending means the gateway recognizes the transaction but has not
	// resolved it yet. It is a normal intermediate state, not a failure.
	ErrPending = errors.New("transaction still processing")
)

// Client talks to the Daraja (M-Pesa) API.
type Client struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
}

func NewClient(cfg config.MpesaConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// tokenStrategy is one way of shaping the OAuth token request. Some gateway
// deployments require an explicit Content-Type on the token request, so the
// canonical request is tried first and the variant only on failure.
type tokenStrategy struct {
	name    string
	prepare func(*http.Request)
}

var tokenStrategies = []tokenStrategy{
	{name: "basic-auth", prepare: func(*http.Request) {}},
	{name: "basic-auth-json-content-type", prepare: func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
	}},
}

// AccessToken obtains a short-lived OAuth bearer token via client-credential
// exchange. The token is not cached; it is meant for a single outbound call.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"

	var lastErr error
	for i, strategy := range tokenStrategies {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
		strategy.prepare(req)

		token, err := c.requestToken(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("strategy", strategy.name).Msg("token request failed")
			continue
		}
		if i > 0 {
			log.Info().Str("strategy", strategy.name).Msg("token obtained with fallback request strategy")
		}
		return token, nil
	}

	return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (c *Client) requestToken(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return res.AccessToken, nil
}

// credentials derives the timestamped request password for the configured
// shortcode. The timestamp follows the gateway's local clock convention.
func (c *Client) credentials(now time.Time) (password, timestamp string) {
	loc := c.cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	timestamp = now.In(loc).Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
	return password, timestamp
}

// postJSON submits an authenticated JSON request and decodes the response
// into out. Gateway errors are mapped onto the package error taxonomy.
func (c *Client) postJSON(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: gateway returned %d: %s", ErrUpstreamUnavailable, resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: gateway returned %d: %s", ErrUpstreamRejected, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: malformed gateway response: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}
