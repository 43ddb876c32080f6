package account

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/mazda-community/carconnect/internal/dispatcher"
	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/connector/cloud"
	"github.com/mazda-community/carconnect/pkg/protocol"
	"github.com/mazda-community/carconnect/pkg/vehicle"
)

// CommandResponse carries the backend's tracking handle for an accepted
// remote command. VisitNo can be passed to CommandStatus to follow the
// command's progress on the vehicle.
type CommandResponse struct {
	VisitNo string
}

// remoteCommand posts a simple vehicle-id command body and checks the
// result code.
func (a *Account) remoteCommand(ctx context.Context, uri, op string, vehicleID int, priority dispatcher.Priority) (*CommandResponse, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       uri,
		Body:      map[string]any{"internaluserid": internalUserID, "internalvin": vehicleID},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  priority,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	env, err := checkResult(payload, op)
	if err != nil {
		return nil, err
	}
	if env.VisitNo != "" {
		log.Debug("%s command accepted with visitNo %s", op, env.VisitNo)
	}
	return &CommandResponse{VisitNo: env.VisitNo}, nil
}

// LockDoors locks all doors. The optimistic cache is updated before the
// command is sent; if the command ultimately fails the assumption expires
// on its own.
func (a *Account) LockDoors(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	a.lockStates.SetAssumed(vehicleID, true)
	return a.remoteCommand(ctx, "remoteServices/doorLock/v4", "door lock", vehicleID, dispatcher.Command)
}

// UnlockDoors unlocks the doors, with the same optimistic cache write as
// LockDoors.
func (a *Account) UnlockDoors(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	a.lockStates.SetAssumed(vehicleID, false)
	return a.remoteCommand(ctx, "remoteServices/doorUnlock/v4", "door unlock", vehicleID, dispatcher.Command)
}

// StartEngine starts the engine remotely. The backend caps consecutive
// remote starts at two; the cap surfaces as a BusinessRuleError.
func (a *Account) StartEngine(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/engineStart/v4", "engine start", vehicleID, dispatcher.Command)
}

// StopEngine stops a remotely started engine.
func (a *Account) StopEngine(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/engineStop/v4", "engine stop", vehicleID, dispatcher.Command)
}

// TurnOnHazardLights flashes the hazard lights.
func (a *Account) TurnOnHazardLights(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/lightOn/v4", "hazard lights on", vehicleID, dispatcher.Command)
}

// TurnOffHazardLights turns the hazard lights off.
func (a *Account) TurnOffHazardLights(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/lightOff/v4", "hazard lights off", vehicleID, dispatcher.Command)
}

// StartCharging starts charging an electrified vehicle.
func (a *Account) StartCharging(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/chargeStart/v4", "charge start", vehicleID, dispatcher.Command)
}

// StopCharging stops charging.
func (a *Account) StopCharging(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/chargeStop/v4", "charge stop", vehicleID, dispatcher.Command)
}

// TurnOnHVAC starts remote climate control, optimistically recording the
// mode.
func (a *Account) TurnOnHVAC(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	a.hvacModes.SetAssumed(vehicleID, true)
	return a.remoteCommand(ctx, "remoteServices/hvacOn/v4", "hvac on", vehicleID, dispatcher.Command)
}

// TurnOffHVAC stops remote climate control.
func (a *Account) TurnOffHVAC(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	a.hvacModes.SetAssumed(vehicleID, false)
	return a.remoteCommand(ctx, "remoteServices/hvacOff/v4", "hvac off", vehicleID, dispatcher.Command)
}

// SetHVACSetting stores a new remote climate configuration, optimistically
// recording it. temperatureUnit is "C" or "F".
func (a *Account) SetHVACSetting(ctx context.Context, vehicleID int, setting vehicle.HVACSetting) (*CommandResponse, error) {
	a.hvacSettings.SetAssumed(vehicleID, setting)

	temperatureType := 2
	if setting.TemperatureUnit == "C" || setting.TemperatureUnit == "c" {
		temperatureType = 1
	}
	body := map[string]any{
		"internaluserid": internalUserID,
		"internalvin":    vehicleID,
		"hvacsettings": map[string]any{
			"FrontDefroster":  boolToInt(setting.FrontDefroster),
			"RearDefogger":    boolToInt(setting.RearDefroster),
			"Temperature":     setting.Temperature,
			"TemperatureType": temperatureType,
		},
	}

	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/updateHVACSetting/v4",
		Body:      body,
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.Command,
	})
	if err != nil {
		return nil, fmt.Errorf("set HVAC setting: %w", err)
	}
	env, err := checkResult(payload, "set HVAC setting")
	if err != nil {
		return nil, err
	}
	return &CommandResponse{VisitNo: env.VisitNo}, nil
}

// RefreshVehicleStatus asks the vehicle to report fresh telemetry instead
// of serving the last stored snapshot.
func (a *Account) RefreshVehicleStatus(ctx context.Context, vehicleID int) (*CommandResponse, error) {
	return a.remoteCommand(ctx, "remoteServices/activeRealTimeVehicleStatus/v4", "refresh vehicle status", vehicleID, dispatcher.Command)
}

// SendPOI pushes a navigation destination to the vehicle's head unit.
func (a *Account) SendPOI(ctx context.Context, vehicleID int, latitude, longitude float64, name string) (*CommandResponse, error) {
	// The POI id only needs to be stable for the same name and location.
	seed := name + strconv.FormatFloat(latitude, 'f', -1, 64) + strconv.FormatFloat(longitude, 'f', -1, 64)
	poiID := fmt.Sprintf("%x", sha256.Sum256([]byte(seed)))[:10]

	body := map[string]any{
		"internaluserid": internalUserID,
		"internalvin":    vehicleID,
		"placemarkinfos": []map[string]any{{
			"Altitude":         0,
			"Latitude":         math.Abs(latitude),
			"LatitudeFlag":     hemisphereFlag(latitude >= 0),
			"Longitude":        math.Abs(longitude),
			"LongitudeFlag":    hemisphereFlag(longitude < 0),
			"Name":             name,
			"OtherInformation": "{}",
			"PoiId":            poiID,
			"source":           "google",
		}},
	}

	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/sendPOI/v4",
		Body:      body,
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.HealthReport,
	})
	if err != nil {
		return nil, fmt.Errorf("send POI: %w", err)
	}
	env, err := checkResult(payload, "send POI")
	if err != nil {
		return nil, err
	}
	return &CommandResponse{VisitNo: env.VisitNo}, nil
}

// UpdateNickname renames a vehicle. Nicknames are capped at 20 characters
// by the backend.
func (a *Account) UpdateNickname(ctx context.Context, vin, nickname string) error {
	if len(vin) != 17 {
		return fmt.Errorf("%w: invalid VIN %q", protocol.ErrConfiguration, vin)
	}
	if len(nickname) > 20 {
		return fmt.Errorf("%w: nickname longer than 20 characters", protocol.ErrConfiguration)
	}

	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method:    http.MethodPost,
		URI:       "remoteServices/updateNickName/v4",
		Body:      map[string]any{"internaluserid": internalUserID, "vin": vin, "vtitle": nickname},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.HealthReport,
	})
	if err != nil {
		return fmt.Errorf("update nickname: %w", err)
	}
	if _, err := checkResult(payload, "update nickname"); err != nil {
		return err
	}

	a.storeNickname(vin, nickname)
	return nil
}

// CommandStatus follows up on a previously issued command using its
// VisitNo. The response shape varies by command; the raw decoded payload is
// returned.
func (a *Account) CommandStatus(ctx context.Context, vehicleID int, visitNo string) ([]byte, error) {
	payload, err := a.conn.Send(ctx, &cloud.Request{
		Method: http.MethodPost,
		URI:    "remoteServices/getVehicleCommandStatus/v4",
		Body: map[string]any{
			"internaluserid": internalUserID,
			"internalvin":    vehicleID,
			"visitNo":        visitNo,
		},
		NeedsKeys: true,
		NeedsAuth: true,
		Priority:  dispatcher.Command,
	})
	if err != nil {
		return nil, fmt.Errorf("get command status: %w", err)
	}
	if _, err := checkResult(payload, "get command status"); err != nil {
		return nil, err
	}
	return payload, nil
}

// AssumedLockState reports the best-known lock state from the optimistic
// cache. Never touches the network.
func (a *Account) AssumedLockState(vehicleID int) (locked bool, known bool) {
	return a.lockStates.Get(vehicleID)
}

// AssumedHVACMode reports the best-known remote climate mode.
func (a *Account) AssumedHVACMode(vehicleID int) (on bool, known bool) {
	return a.hvacModes.Get(vehicleID)
}

// AssumedHVACSetting reports the best-known remote climate configuration.
func (a *Account) AssumedHVACSetting(vehicleID int) (vehicle.HVACSetting, bool) {
	return a.hvacSettings.Get(vehicleID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func hemisphereFlag(positive bool) int {
	if positive {
		return 0
	}
	return 1
}
