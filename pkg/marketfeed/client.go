// Package marketfeed is the client for the simulated exchange feed service.
// It handles session login (password + TOTP), token refresh, and the
// streaming websocket that delivers last-traded-price updates.
package marketfeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// Config configures the feed session client.
type Config struct {
	APIKey     string
	RootURL    string        // default: https://feed.tradesim.local
	Timeout    time.Duration // default: 7s
	ClientCode string
	Password   string
	TOTPSecret string // base32 secret; the login code is generated locally
}

const defaultRoot = "https://feed.tradesim.local"

var routes = map[string]string{
	"api.login":   "/rest/auth/v1/loginByPassword",
	"api.logout":  "/rest/secure/v1/logout",
	"api.token":   "/rest/auth/v1/generateTokens",
	"api.profile": "/rest/secure/v1/getProfile",
	"api.ltp":     "/rest/secure/v1/getLtpData",
}

// Client is the authenticated REST side of the feed service.
type Client struct {
	cfg        Config
	httpClient *http.Client

	accessToken  string
	refreshToken string
	feedToken    string

	// SessionExpiryHook is called when the server rejects the access token.
	SessionExpiryHook func()
}

// NewClient initializes the client. No network call is made until Login.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &Client{
		cfg:        Config{APIKey: cfg.APIKey, RootURL: strings.TrimRight(cfg.RootURL, "/"), Timeout: cfg.Timeout, ClientCode: cfg.ClientCode, Password: cfg.Password, TOTPSecret: cfg.TOTPSecret},
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// FeedToken returns the websocket feed token obtained at login.
func (c *Client) FeedToken() string { return c.feedToken }

// AccessToken returns the bearer token obtained at login.
func (c *Client) AccessToken() string { return c.accessToken }

// Login generates the current TOTP code from the configured secret and
// opens a session. Tokens are stored on the client.
func (c *Client) Login() error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("totp generate: %w", err)
	}

	res, err := c.post("api.login", map[string]any{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	})
	if err != nil {
		return err
	}

	st, _ := res["status"].(bool)
	if !st {
		msg, _ := res["message"].(string)
		return fmt.Errorf("login failed: %s", msg)
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return errors.New("unexpected login response format")
	}

	c.accessToken, _ = data["jwtToken"].(string)
	c.refreshToken, _ = data["refreshToken"].(string)
	c.feedToken, _ = data["feedToken"].(string)

	log.Printf("[marketfeed] session opened for %s", c.cfg.ClientCode)
	return nil
}

// RenewSession exchanges the refresh token for fresh access and feed tokens.
func (c *Client) RenewSession() error {
	res, err := c.post("api.token", map[string]any{"refreshToken": c.refreshToken})
	if err != nil {
		return err
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return errors.New("unexpected token response format")
	}
	if jwt, _ := data["jwtToken"].(string); jwt != "" {
		c.accessToken = jwt
	}
	if ft, _ := data["feedToken"].(string); ft != "" {
		c.feedToken = ft
	}
	return nil
}

// Logout closes the session on the server.
func (c *Client) Logout() error {
	_, err := c.post("api.logout", map[string]any{"clientcode": c.cfg.ClientCode})
	return err
}

// LTPData fetches a one-shot last traded price for an instrument.
// Used as a fallback when no tick has arrived yet.
func (c *Client) LTPData(exchange, tradingSymbol, token string) (map[string]any, error) {
	return c.post("api.ltp", map[string]any{
		"exchange":      exchange,
		"tradingsymbol": tradingSymbol,
		"symboltoken":   token,
	})
}

func (c *Client) post(route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", route)
	}
	fullURL := c.cfg.RootURL + uri

	body, _ := json.Marshal(params)
	req, err := http.NewRequest(http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketfeed %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("marketfeed %s: couldn't parse response: %w", route, err)
	}

	if et, ok := out["error_type"].(string); ok && et != "" {
		if c.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && et == "TokenException" {
			c.SessionExpiryHook()
		}
		msg, _ := out["message"].(string)
		return out, fmt.Errorf("%s: %s", et, msg)
	}
	return out, nil
}
