// Package account exposes the typed operations of the Connected Services
// API: fleet discovery, telemetry reads, and remote commands, with
// optimistic state caching for the values commands change.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mazda-community/carconnect/internal/dispatcher"
	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/cache"
	"github.com/mazda-community/carconnect/pkg/connector/cloud"
	"github.com/mazda-community/carconnect/pkg/protocol"
	"github.com/mazda-community/carconnect/pkg/vehicle"
)

// internalUserID is the placeholder the backend expects in request bodies;
// the server substitutes the real identity from the access token.
const internalUserID = "__INTERNAL_ID__"

const nicknameTTL = 24 * time.Hour

type nicknameEntry struct {
	value   string
	expires time.Time
}

// Account is a client for one Connected Services account.
type Account struct {
	conn *cloud.Connection
	now  func() time.Time

	useCachedVehicleList bool
	vehiclesMu           sync.Mutex
	cachedVehicles       []vehicle.Vehicle
	discovery            singleflight.Group

	nicknameMu sync.Mutex
	nicknames  map[string]nicknameEntry

	lockStates   *cache.Store[bool]
	hvacModes    *cache.Store[bool]
	hvacSettings *cache.Store[vehicle.HVACSetting]
}

// Option configures an Account.
type Option func(*options)

type options struct {
	cloudOpts        []cloud.Option
	cacheVehicleList bool
}

// WithCachedVehicleList makes Vehicles fetch the fleet once and serve the
// result from memory afterwards. Discovery is expensive and fleets rarely
// change.
func WithCachedVehicleList() Option {
	return func(o *options) { o.cacheVehicleList = true }
}

// WithMaxRetries overrides the transport retry ceiling.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.cloudOpts = append(o.cloudOpts, cloud.WithMaxRetries(n)) }
}

// WithTransport replaces the HTTP round tripper. Tests use this.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.cloudOpts = append(o.cloudOpts, cloud.WithTransport(rt)) }
}

// WithBackoff overrides the transport retry backoff base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(o *options) { o.cloudOpts = append(o.cloudOpts, cloud.WithBackoff(base, cap)) }
}

// New builds an Account for the given credentials and region code.
func New(email, password, region string, opts ...Option) (*Account, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	conn, err := cloud.NewConnection(email, password, region, o.cloudOpts...)
	if err != nil {
		return nil, err
	}
	return &Account{
		conn:                 conn,
		now:                  time.Now,
		useCachedVehicleList: o.cacheVehicleList,
		nicknames:            map[string]nicknameEntry{},
		lockStates:           cache.New[bool](),
		hvacModes:            cache.New[bool](),
		hvacSettings:         cache.New[vehicle.HVACSetting](),
	}, nil
}

// ValidateCredentials performs a login probe without touching any vehicle.
func (a *Account) ValidateCredentials(ctx context.Context) error {
	return a.conn.Login(ctx, dispatcher.Command)
}

// commandEnvelope is the decrypted-payload portion shared by every remote
// operation response.
type commandEnvelope struct {
	ResultCode  string `json:"resultCode"`
	VisitNo     string `json:"visitNo"`
	Nickname    string `json:"nickname"`
	Vtitle      string `json:"vtitle"`
	CarlineDesc string `json:"carlineDesc"`
}

func decodeEnvelope(payload []byte) (*commandEnvelope, error) {
	var env commandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err)
	}
	return &env, nil
}

// checkResult verifies the operation-level result code inside a decrypted
// payload.
func checkResult(payload []byte, op string) (*commandEnvelope, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if env.ResultCode != protocol.ResultCodeSuccess {
		return nil, fmt.Errorf("%s failed: result code %s", op, env.ResultCode)
	}
	return env, nil
}

// Vehicles returns the vehicles linked to the account. A failure to decode
// one vehicle's metadata or fetch its nickname never fails the discovery;
// that vehicle is skipped or left unnamed.
func (a *Account) Vehicles(ctx context.Context) ([]vehicle.Vehicle, error) {
	if a.useCachedVehicleList {
		a.vehiclesMu.Lock()
		cached := a.cachedVehicles
		a.vehiclesMu.Unlock()
		if cached != nil {
			return append([]vehicle.Vehicle(nil), cached...), nil
		}
	}

	result, err, _ := a.discovery.Do("vehicles", func() (any, error) {
		return a.fetchVehicles(ctx)
	})
	if err != nil {
		return nil, err
	}
	vehicles := result.([]vehicle.Vehicle)
	return append([]vehicle.Vehicle(nil), vehicles...), nil
}

func (a *Account) fetchVehicles(ctx context.Context) ([]vehicle.Vehicle, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/getVecBaseInfos/v4",
		Body:      map[string]any{"internaluserid": internalUserID},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("getting vehicle list: %w", err)
	}

	vehicles, err := vehicle.ParseVehicleList(payload)
	if err != nil {
		return nil, err
	}
	for i := range vehicles {
		nickname, err := a.Nickname(ctx, vehicles[i].VIN)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warning("failed to get nickname for %s: %s", vehicles[i].VIN, err)
			continue
		}
		vehicles[i].Nickname = nickname
	}

	if a.useCachedVehicleList {
		a.vehiclesMu.Lock()
		a.cachedVehicles = append([]vehicle.Vehicle(nil), vehicles...)
		a.vehiclesMu.Unlock()
	}
	return vehicles, nil
}

// Nickname returns the user-assigned name for a VIN. Results are cached for
// 24 hours; nicknames change rarely and the endpoint is slow.
func (a *Account) Nickname(ctx context.Context, vin string) (string, error) {
	if len(vin) != 17 {
		return "", fmt.Errorf("%w: invalid VIN %q", protocol.ErrConfiguration, vin)
	}

	a.nicknameMu.Lock()
	entry, ok := a.nicknames[vin]
	a.nicknameMu.Unlock()
	if ok && entry.expires.After(a.now()) {
		return entry.value, nil
	}

	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/getNickName/v4",
		Body:      map[string]any{"internaluserid": internalUserID, "vin": vin},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.HealthReport,
	})
	if err != nil {
		return "", err
	}
	env, err := checkResult(payload, "get nickname")
	if err != nil {
		return "", err
	}

	nickname := env.Nickname
	if nickname == "" {
		nickname = env.Vtitle
	}
	if nickname == "" {
		nickname = env.CarlineDesc
	}

	a.storeNickname(vin, nickname)
	return nickname, nil
}

func (a *Account) storeNickname(vin, nickname string) {
	a.nicknameMu.Lock()
	a.nicknames[vin] = nicknameEntry{value: nickname, expires: a.now().Add(nicknameTTL)}
	a.nicknameMu.Unlock()
}

// VehicleStatus fetches the telemetry snapshot for a vehicle. It returns
// (nil, nil) when the backend recognizes the vehicle but has no snapshot
// yet. A successful read confirms the lock state in the optimistic cache,
// stamped with the snapshot's own timestamp.
func (a *Account) VehicleStatus(ctx context.Context, vehicleID int) (*vehicle.Status, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method: http.MethodPost,
		URI:    "remoteServices/getVehicleStatus/v4",
		Body: map[string]any{
			"internaluserid": internalUserID,
			"internalvin":    vehicleID,
			"limit":          1,
			"offset":         0,
			"vecinfotype":    "0",
		},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("getting vehicle status: %w", err)
	}
	if _, err := checkResult(payload, "get vehicle status"); err != nil {
		return nil, err
	}

	status, err := vehicle.ParseStatus(payload)
	if err != nil || status == nil {
		return status, err
	}

	a.lockStates.SetConfirmed(vehicleID, status.DoorLocks.AllLocked(), status.LastUpdated)
	return status, nil
}

// EVStatus fetches the electrified-vehicle snapshot. A successful read
// confirms the HVAC mode in the optimistic cache.
func (a *Account) EVStatus(ctx context.Context, vehicleID int) (*vehicle.EVStatus, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method: http.MethodPost,
		URI:    "remoteServices/getEVVehicleStatus/v4",
		Body: map[string]any{
			"internaluserid": internalUserID,
			"internalvin":    vehicleID,
			"limit":          1,
			"offset":         0,
			"vecinfotype":    "0",
		},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("getting EV vehicle status: %w", err)
	}
	if _, err := checkResult(payload, "get EV vehicle status"); err != nil {
		return nil, err
	}

	status, err := vehicle.ParseEVStatus(payload)
	if err != nil || status == nil {
		return status, err
	}

	a.hvacModes.SetConfirmed(vehicleID, status.HVAC.HVACOn, status.LastUpdated)
	return status, nil
}

// HVACSetting fetches the stored remote climate configuration and confirms
// it in the optimistic cache.
func (a *Account) HVACSetting(ctx context.Context, vehicleID int) (*vehicle.HVACSetting, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/getHVACSetting/v4",
		Body:      map[string]any{"internaluserid": internalUserID, "internalvin": vehicleID},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.HealthReport,
	})
	if err != nil {
		return nil, fmt.Errorf("getting HVAC setting: %w", err)
	}
	if _, err := checkResult(payload, "get HVAC setting"); err != nil {
		return nil, err
	}

	setting, err := vehicle.ParseHVACSetting(payload)
	if err != nil || setting == nil {
		return setting, err
	}

	a.hvacSettings.SetConfirmed(vehicleID, *setting, time.Time{})
	return setting, nil
}

// HealthReport fetches the latest diagnostic report. Health reports are
// best-effort: a failure is logged and reported as (nil, nil) so pollers
// keep running.
func (a *Account) HealthReport(ctx context.Context, vehicleID int) (*vehicle.HealthReport, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method: http.MethodPost,
		URI:    "remoteServices/getHealthReport/v4",
		Body: map[string]any{
			"internaluserid": internalUserID,
			"internalvin":    vehicleID,
			"limit":          1,
			"offset":         0,
		},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.HealthReport,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("error retrieving health report for vehicle %d: %s", vehicleID, err)
		return nil, nil
	}
	if _, err := checkResult(payload, "get health report"); err != nil {
		log.Error("health report for vehicle %d rejected: %s", vehicleID, err)
		return nil, nil
	}
	return vehicle.ParseHealthReport(payload)
}
