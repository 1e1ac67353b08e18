package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to the CRM REST API using the OAuth password grant.
// Access tokens are short-lived; the client caches one and refreshes it
// ahead of expiry.
type Client struct {
	baseURL      string
	username     string
	apiKey       string
	clientID     string
	clientSecret string

	httpClient *http.Client

	// now is injectable for deterministic token-expiry tests.
	now func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// tokenExpiryMargin refreshes tokens slightly early so an in-flight
// request never carries a token that expires mid-call.
const tokenExpiryMargin = 30 * time.Second

// controlTimeout bounds the small control-plane requests (token exchange,
// catalog fetch). Recording downloads are bounded by the caller's context
// only: their budget is configured per deployment and a recording can
// legitimately take longer than any flat client cap.
const controlTimeout = 15 * time.Second

type Credentials struct {
	BaseURL      string
	Username     string
	APIKey       string
	ClientID     string
	ClientSecret string
}

func NewClient(creds Credentials, httpClient *http.Client) *Client {
	if httpClient == nil {
		// No Client.Timeout: it would span the whole exchange including
		// the body and silently cap recording downloads below the
		// configured fetch budget. Connection setup is still bounded.
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:      strings.TrimRight(creds.BaseURL, "/"),
		username:     creds.Username,
		apiKey:       creds.APIKey,
		clientID:     creds.ClientID,
		clientSecret: creds.ClientSecret,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a valid access token, exchanging credentials if the
// cached one is missing or about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpiryMargin)) {
		return c.accessToken, nil
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"password"},
		"username":      {c.username},
		"api_key":       {c.apiKey},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("token exchange: decode: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access_token")
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

type scenariosResponse struct {
	Data []Scenario `json:"data"`
}

func (c *Client) Scenarios(ctx context.Context) ([]Scenario, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/v2/scenarios?access_token=%s", c.baseURL, url.QueryEscape(tok))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scenarios fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scenarios fetch: status %d", resp.StatusCode)
	}

	var sr scenariosResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("scenarios fetch: decode: %w", err)
	}
	return sr.Data, nil
}

func (c *Client) Recording(ctx context.Context, callID int64) (io.ReadCloser, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/v2/calls/%d.mp3?access_token=%s", c.baseURL, callID, url.QueryEscape(tok))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recording fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("recording fetch: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
