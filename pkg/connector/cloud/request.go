package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mazda-community/carconnect/internal/crypto"
	"github.com/mazda-community/carconnect/internal/dispatcher"
	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/protocol"
)

// Request describes one call against the encrypted API. Query and Body are
// plaintext; encryption and signing happen at send time.
type Request struct {
	Method    string
	URI       string
	Query     url.Values
	Body      map[string]any
	NeedsKeys bool
	NeedsAuth bool
	Priority  dispatcher.Priority

	// Timeout overrides the per-endpoint wire deadline. Zero means the
	// endpoint default.
	Timeout time.Duration
}

// operationLabel names the request for lock-holder diagnostics.
func (r *Request) operationLabel() string {
	switch {
	case strings.Contains(r.URI, "getHealthReport"):
		return "health_report"
	case strings.Contains(r.URI, "getVecBaseInfos"):
		return "vehicle_status"
	case strings.Contains(r.URI, "getNickName"):
		return "nickname"
	case strings.Contains(r.URI, "doorUnlock"), strings.Contains(r.URI, "doorLock"),
		strings.Contains(r.URI, "engineStart"), strings.Contains(r.URI, "engineStop"):
		return "user_command"
	default:
		return r.URI
	}
}

const defaultRequestTimeout = 30 * time.Second

// timeout returns the wire deadline for this endpoint class.
func (r *Request) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	switch {
	case strings.Contains(r.URI, "getNickName"):
		return 15 * time.Second
	case strings.Contains(r.URI, "getVecBaseInfos"):
		return 45 * time.Second
	case strings.Contains(r.URI, "getHealthReport"):
		return 60 * time.Second
	case strings.Contains(r.URI, "doorUnlock"), strings.Contains(r.URI, "doorLock"):
		return 45 * time.Second
	default:
		return defaultRequestTimeout
	}
}

// nicknamePlaceholder is returned when the nickname endpoint exhausts its
// retries; the nickname is cosmetic and must not fail the whole operation.
var nicknamePlaceholder = []byte(`{"resultCode": "999", "carlineDesc": "", "visitNo": ""}`)

// Send executes the request, healing recoverable failures and retrying up
// to the ceiling. The account lock is held only for each wire round trip
// and is always released before any backoff sleep. Context cancellation
// aborts at every suspension point.
func (c *Connection) Send(ctx context.Context, req *Request) ([]byte, error) {
	var lastErr error
	netFailures := 0

	for attempt := 0; ; attempt++ {
		if attempt > c.maxRetries {
			if strings.Contains(req.URI, "getNickName") {
				log.Warning("nickname request exceeded %d retries, degrading to empty result", c.maxRetries)
				return nicknamePlaceholder, nil
			}
			log.Error("request to %s exceeded %d retries, giving up", req.URI, c.maxRetries)
			return nil, &protocol.RetryLimitError{Attempts: attempt, Err: lastErr}
		}

		// Key and token prerequisites run as their own lock acquisitions,
		// strictly before this request's own; the lock is never held across
		// a nested acquire.
		if req.NeedsKeys {
			if err := c.ensureKeys(ctx, req.Priority); err != nil {
				return nil, err
			}
		}
		if req.NeedsAuth {
			if err := c.ensureToken(ctx, req.Priority); err != nil {
				// Unexplained login failures are temporary; anything else
				// (bad credentials, lockout, cancellation) propagates.
				if errors.Is(err, protocol.ErrLoginFailed) && ctx.Err() == nil {
					log.Warning("login failed for an unknown reason, trying again")
					lastErr = err
					continue
				}
				return nil, err
			}
		}

		if attempt > 0 {
			log.Debug("sending %s request to %s - attempt #%d", req.Method, req.URI, attempt+1)
		} else {
			log.Debug("sending %s request to %s", req.Method, req.URI)
		}

		payload, err := c.roundTrip(ctx, req)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if protocol.Terminal(err) {
			return nil, err
		}

		var businessErr *protocol.BusinessRuleError
		if errors.As(err, &businessErr) {
			return nil, err
		}

		var protoErr *protocol.ProtocolError
		var transientErr *protocol.TransientError
		switch {
		case errors.As(err, &protoErr) && protoErr.EncryptionRejected():
			log.Info("server rejected encrypted request, retrieving new encryption keys")
			netFailures = 0
			c.clearSessionKeys()

		case errors.As(err, &protoErr) && protoErr.TokenExpired():
			log.Info("server reports access token expired, fetching a new one")
			netFailures = 0
			c.clearToken()

		case errors.As(err, &protoErr) && protoErr.RequestInProgress():
			log.Info("another request is already in progress, waiting before retry")
			netFailures = 0
			if err := c.sleep(ctx, c.backoffCap); err != nil {
				return nil, err
			}

		case errors.Is(err, protocol.ErrLoginFailed):
			log.Warning("login failed for an unknown reason, trying again")
			netFailures = 0
			c.clearToken()

		case errors.As(err, &transientErr):
			netFailures++
			wait := c.backoff(attempt)
			log.Warning("server connection error: %s, waiting %s before retry", err, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			if netFailures >= sessionRecoveryThreshold {
				if err := c.recoverSession(ctx, req.Priority); err != nil {
					if protocol.Terminal(err) || ctx.Err() != nil {
						return nil, err
					}
				} else {
					netFailures = 0
				}
			}

		default:
			return nil, err
		}
	}
}

// backoff computes the delay before the given retry attempt: exponential
// from the base with 20% jitter, capped.
func (c *Connection) backoff(attempt int) time.Duration {
	d := c.backoffBase << uint(attempt)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	jitter := 1 + 0.2*(rand.Float64()-0.5)
	return time.Duration(float64(d) * jitter)
}

// envelope is the outer response structure common to every encrypted
// endpoint.
type envelope struct {
	State     string `json:"state"`
	Payload   string `json:"payload"`
	ErrorCode int    `json:"errorCode"`
	ExtraCode string `json:"extraCode"`
	Error     string `json:"error"`
}

// roundTrip performs exactly one wire exchange under the account lock and
// decodes the envelope into either a decrypted payload or a taxonomy error.
func (c *Connection) roundTrip(ctx context.Context, req *Request) ([]byte, error) {
	if err := c.lock.Acquire(ctx, req.Priority, req.operationLabel()); err != nil {
		return nil, err
	}
	defer c.lock.Release()

	// The wire deadline starts once the lock is held; time spent queued
	// behind another request for this account does not count against it.
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		log.Error("connection error during request to %s: %s", req.URI, err)
		return nil, &protocol.TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.TransientError{Err: err}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}

	if env.State == protocol.StateSuccess {
		return c.decryptPayload(req, env.Payload)
	}

	switch {
	case env.ErrorCode == protocol.CodeEncryptionRejected:
		return nil, &protocol.ProtocolError{Code: env.ErrorCode}
	case env.ErrorCode == protocol.CodeTokenExpired:
		return nil, &protocol.ProtocolError{Code: env.ErrorCode}
	case env.ErrorCode == protocol.CodeRemoteServiceError && env.ExtraCode == protocol.ExtraRequestInProgress:
		return nil, &protocol.ProtocolError{Code: env.ErrorCode, Extra: env.ExtraCode}
	case env.ErrorCode == protocol.CodeRemoteServiceError && env.ExtraCode == protocol.ExtraEngineStartLimit:
		return nil, &protocol.BusinessRuleError{
			Rule: "the engine can only be started remotely 2 consecutive times; drive the vehicle to reset the counter",
		}
	case env.Error != "":
		return nil, fmt.Errorf("request failed: %s", env.Error)
	default:
		return nil, fmt.Errorf("%w: request failed for an unknown reason", protocol.ErrBadResponse)
	}
}

// buildRequest encrypts the query/body and assembles the signed HTTP
// request.
func (c *Connection) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	encKey, signKey := c.sessionKeys()

	var plainQuery, plainBody, encryptedBody string
	target := c.region.BaseURL + req.URI

	if len(req.Query) > 0 {
		plainQuery = req.Query.Encode()
		encrypted, err := c.encryptWithSessionKey(plainQuery, encKey)
		if err != nil {
			return nil, err
		}
		target += "?" + url.Values{"params": {encrypted}}.Encode()
	}
	if len(req.Body) > 0 {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		plainBody = string(encoded)
		encryptedBody, err = c.encryptWithSessionKey(plainBody, encKey)
		if err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	if encryptedBody != "" {
		bodyReader = strings.NewReader(encryptedBody)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, err
	}

	token, _ := c.token()
	if !req.NeedsAuth {
		token = ""
	}
	httpReq.Header.Set("device-id", c.deviceID)
	httpReq.Header.Set("app-code", c.region.AppCode)
	httpReq.Header.Set("app-os", appOS)
	httpReq.Header.Set("user-agent", userAgentBaseAPI)
	httpReq.Header.Set("app-version", appVersion)
	httpReq.Header.Set("app-unique-id", crypto.AppPackageID)
	httpReq.Header.Set("access-token", token)
	httpReq.Header.Set("req-id", "req_"+timestamp)
	httpReq.Header.Set("timestamp", timestamp)

	switch {
	case strings.Contains(req.URI, "checkVersion"):
		httpReq.Header.Set("sign", crypto.TimestampSign(timestamp, c.region.AppCode))
	case req.Method == http.MethodGet:
		sign, err := c.signPayload(plainQuery, timestamp, encKey, signKey)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("sign", sign)
	case req.Method == http.MethodPost:
		sign, err := c.signPayload(plainBody, timestamp, encKey, signKey)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("sign", sign)
	}

	return httpReq, nil
}

func (c *Connection) encryptWithSessionKey(plaintext, encKey string) (string, error) {
	if encKey == "" {
		return "", protocol.ErrMissingEncryptionKey
	}
	return crypto.EncryptAES128CBC([]byte(plaintext), encKey, blockIV)
}

// signPayload signs the plaintext payload (empty for bodyless requests)
// with the session sign key.
func (c *Connection) signPayload(plaintext, timestamp, encKey, signKey string) (string, error) {
	if signKey == "" {
		return "", fmt.Errorf("%w: missing sign key", protocol.ErrMissingEncryptionKey)
	}
	encrypted := ""
	if plaintext != "" {
		var err error
		encrypted, err = c.encryptWithSessionKey(plaintext, encKey)
		if err != nil {
			return "", err
		}
	}
	return crypto.PayloadSign(encrypted, timestamp, signKey), nil
}

// decryptPayload decrypts a success envelope: the version-check endpoint is
// keyed off the app code, everything else off the session key.
func (c *Connection) decryptPayload(req *Request, payload string) ([]byte, error) {
	if strings.Contains(req.URI, "checkVersion") {
		decrypted, err := crypto.DecryptAES128CBC(payload, crypto.AppDecryptionKey(c.region.AppCode), blockIV)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
		}
		return decrypted, nil
	}

	encKey, _ := c.sessionKeys()
	if encKey == "" {
		return nil, protocol.ErrMissingEncryptionKey
	}
	decrypted, err := crypto.DecryptAES128CBC(payload, encKey, blockIV)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return decrypted, nil
}
