// Package cloud implements the encrypted HTTPS transport to the Connected
// Services backend: session key retrieval, token login, request signing, and
// the retrying request executor serialized through the account lock.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mazda-community/carconnect/internal/crypto"
	"github.com/mazda-community/carconnect/internal/dispatcher"
	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/protocol"
)

const (
	userAgentBaseAPI  = "MyMazda-Android/8.5.2"
	userAgentUsherAPI = "MyMazda/8.5.2 (Google Pixel 3a; Android 11)"
	appOS             = "Android"
	appVersion        = "8.5.2"
	usherSDKVersion   = "11.3.0700.001"

	// blockIV is the fixed CBC initialization vector the backend expects.
	blockIV = "0102030405060708"
)

// RegionConfig holds the per-region endpoints and application code.
type RegionConfig struct {
	AppCode  string
	BaseURL  string
	UsherURL string
}

var regionConfigs = map[string]RegionConfig{
	"MNAO": {
		AppCode:  "202007270941270111799",
		BaseURL:  "https://0cxo7m58.mazda.com/prod/",
		UsherURL: "https://ptznwbh8.mazda.com/appapi/v1/",
	},
	"MME": {
		AppCode:  "202008100250281064816",
		BaseURL:  "https://e9stj7g7.mazda.com/prod/",
		UsherURL: "https://rz97suam.mazda.com/appapi/v1/",
	},
	"MJO": {
		AppCode:  "202009170613074283422",
		BaseURL:  "https://wcs9p6wj.mazda.com/prod/",
		UsherURL: "https://c5ulfwxr.mazda.com/appapi/v1/",
	},
}

// Regions lists the supported region codes.
func Regions() []string {
	return []string{"MNAO", "MME", "MJO"}
}

const (
	// DefaultRetries is the retry ceiling applied when no override is given.
	DefaultRetries = 3
	// sessionRecoveryThreshold is the run of consecutive network failures
	// after which the transport is torn down and the login redone.
	sessionRecoveryThreshold = 6

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Connection holds the session state for one account in one region and
// executes signed, encrypted requests against the backend.
type Connection struct {
	email    string
	password string
	region   RegionConfig

	deviceID      string
	usherDeviceID string

	client *http.Client
	lock   *dispatcher.AccountLock

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	encKey      string
	signKey     string
	accessToken string
	tokenExpiry time.Time
}

// Option configures a Connection.
type Option func(*Connection)

// WithTransport replaces the HTTP round tripper. Tests use this to avoid
// real network access.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Connection) { c.client.Transport = rt }
}

// WithMaxRetries overrides the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(c *Connection) { c.maxRetries = n }
}

// WithBackoff overrides the retry backoff base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Connection) {
		c.backoffBase = base
		c.backoffCap = cap
	}
}

// NewConnection builds a Connection for the given account and region code.
// The region must be one of Regions(); anything else is an error.
func NewConnection(email, password, region string, opts ...Option) (*Connection, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: missing email", protocol.ErrConfiguration)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: missing password", protocol.ErrConfiguration)
	}
	config, ok := regionConfigs[region]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported region %q", protocol.ErrConfiguration, region)
	}

	c := &Connection{
		email:         email,
		password:      password,
		region:        config,
		deviceID:      crypto.DeviceID(email),
		usherDeviceID: crypto.UsherDeviceID(email),
		client:        &http.Client{},
		lock:          dispatcher.For(email),
		maxRetries:    DefaultRetries,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		now:           time.Now,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionKeys returns the current encryption and signing keys.
func (c *Connection) sessionKeys() (encKey, signKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encKey, c.signKey
}

func (c *Connection) setSessionKeys(encKey, signKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encKey = encKey
	c.signKey = signKey
}

// clearSessionKeys drops both keys; the next request that needs them
// refetches the pair.
func (c *Connection) clearSessionKeys() {
	c.setSessionKeys("", "")
}

func (c *Connection) token() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.tokenExpiry
}

func (c *Connection) setToken(token string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
	c.tokenExpiry = expiry
}

func (c *Connection) clearToken() {
	c.setToken("", time.Time{})
}

// ensureKeys fetches the session key pair if either key is missing. The key
// retrieval request takes the account lock on its own; the caller must not
// hold it.
func (c *Connection) ensureKeys(ctx context.Context, priority dispatcher.Priority) error {
	encKey, signKey := c.sessionKeys()
	if encKey != "" && signKey != "" {
		return nil
	}
	return c.retrieveKeys(ctx, priority)
}

func (c *Connection) retrieveKeys(ctx context.Context, priority dispatcher.Priority) error {
	log.Info("retrieving encryption keys")
	payload, err := c.Send(ctx, &Request{
		Method:   http.MethodPost,
		URI:      "service/checkVersion",
		Priority: priority,
	})
	if err != nil {
		return fmt.Errorf("retrieving encryption keys: %w", err)
	}

	var keys struct {
		EncKey  string `json:"encKey"`
		SignKey string `json:"signKey"`
	}
	if err := json.Unmarshal(payload, &keys); err != nil {
		return fmt.Errorf("%w: malformed key response: %s", protocol.ErrBadResponse, err)
	}
	if keys.EncKey == "" || keys.SignKey == "" {
		return fmt.Errorf("%w: key response missing keys", protocol.ErrBadResponse)
	}
	c.setSessionKeys(keys.EncKey, keys.SignKey)
	log.Info("successfully retrieved encryption keys")
	return nil
}

// ensureToken logs in when no token is held or the held one has expired.
func (c *Connection) ensureToken(ctx context.Context, priority dispatcher.Priority) error {
	token, expiry := c.token()
	if token == "" {
		log.Info("no access token present, logging in")
	} else if !expiry.After(c.now()) {
		log.Info("access token expired, fetching a new one")
		c.clearToken()
		token = ""
	}
	if token != "" {
		return nil
	}
	return c.Login(ctx, priority)
}

type usherKeyResponse struct {
	Data struct {
		PublicKey     string `json:"publicKey"`
		VersionPrefix string `json:"versionPrefix"`
	} `json:"data"`
}

type usherLoginResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken           string  `json:"accessToken"`
		AccessTokenExpiration float64 `json:"accessTokenExpirationTs"`
	} `json:"data"`
}

// Login authenticates against the identity service and stores the bearer
// token. It acquires the account lock for the duration of the exchange.
func (c *Connection) Login(ctx context.Context, priority dispatcher.Priority) error {
	if err := c.lock.Acquire(ctx, priority, "login"); err != nil {
		return err
	}
	defer c.lock.Release()

	log.Info("logging in as %s", c.email)

	var keyResp usherKeyResponse
	query := url.Values{
		"appId":      {"MazdaApp"},
		"locale":     {"en-US"},
		"deviceId":   {c.usherDeviceID},
		"sdkVersion": {usherSDKVersion},
	}
	if err := c.usherRequest(ctx, http.MethodGet, "system/encryptionKey", query, nil, &keyResp); err != nil {
		return fmt.Errorf("retrieving login public key: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	encrypted, err := crypto.EncryptRSAPKCS1(c.password+":"+timestamp, keyResp.Data.PublicKey)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}

	var loginResp usherLoginResponse
	body := map[string]any{
		"appId":      "MazdaApp",
		"deviceId":   c.usherDeviceID,
		"locale":     "en-US",
		"password":   keyResp.Data.VersionPrefix + encrypted,
		"sdkVersion": usherSDKVersion,
		"userId":     c.email,
		"userIdType": "email",
	}
	if err := c.usherRequest(ctx, http.MethodPost, "user/login", nil, body, &loginResp); err != nil {
		return fmt.Errorf("sending login request: %w", err)
	}

	switch loginResp.Status {
	case "OK":
	case "INVALID_CREDENTIAL":
		log.Error("login failed: invalid email or password")
		return protocol.ErrAuthenticationFailed
	case "USER_LOCKED":
		log.Error("login failed: account locked")
		return protocol.ErrAccountLocked
	default:
		log.Error("login failed with status %q", loginResp.Status)
		return fmt.Errorf("%w: status %q", protocol.ErrLoginFailed, loginResp.Status)
	}

	expiry := time.Unix(int64(loginResp.Data.AccessTokenExpiration), 0)
	c.setToken(loginResp.Data.AccessToken, expiry)
	log.Info("successfully logged in as %s", c.email)
	return nil
}

// usherRequest performs one call against the identity service endpoints,
// which are plain JSON rather than the encrypted envelope protocol.
func (c *Connection) usherRequest(ctx context.Context, method, uri string, query url.Values, body map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	target := c.region.UsherURL + uri
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgentUsherAPI)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &protocol.TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &protocol.TransientError{Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return nil
}

// recoverSession tears down pooled transport connections, drops the token,
// and logs in again. Used after a sustained run of network failures where
// the connection pool itself may be wedged.
func (c *Connection) recoverSession(ctx context.Context, priority dispatcher.Priority) error {
	log.Info("recovering session after persistent connection issues")
	c.client.CloseIdleConnections()
	c.clearToken()
	if err := c.Login(ctx, priority); err != nil {
		log.Error("session recovery failed: %s", err)
		return err
	}
	log.Info("session recovery complete")
	return nil
}
