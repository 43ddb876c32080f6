// Package vehicle defines the typed records returned by the Connected
// Services backend and the data-driven model templates used to shape them.
package vehicle

import "time"

// Vehicle is one discovered vehicle linked to the account.
type Vehicle struct {
	VIN                   string
	ID                    int // backend-internal identifier used by most endpoints
	Nickname              string
	CarlineCode           string
	CarlineName           string
	ModelYear             string
	ModelCode             string
	ModelName             string
	AutomaticTransmission bool
	InteriorColorCode     string
	InteriorColorName     string
	ExteriorColorCode     string
	ExteriorColorName     string
	IsElectric            bool
	HasFuel               bool
}

// Doors reports open/closed state for each closure.
type Doors struct {
	DriverOpen    bool
	PassengerOpen bool
	RearLeftOpen  bool
	RearRightOpen bool
	TrunkOpen     bool
	HoodOpen      bool
	FuelLidOpen   bool
}

// DoorLocks reports the lock state of each door.
type DoorLocks struct {
	DriverUnlocked    bool
	PassengerUnlocked bool
	RearLeftUnlocked  bool
	RearRightUnlocked bool
}

// AllLocked returns true when every door reports locked.
func (d DoorLocks) AllLocked() bool {
	return !d.DriverUnlocked && !d.PassengerUnlocked && !d.RearLeftUnlocked && !d.RearRightUnlocked
}

// Windows reports open/closed state per window.
type Windows struct {
	DriverOpen    bool
	PassengerOpen bool
	RearLeftOpen  bool
	RearRightOpen bool
}

// TirePressure holds per-tire pressure in PSI as reported by TPMS.
type TirePressure struct {
	FrontLeftPSI  float64
	FrontRightPSI float64
	RearLeftPSI   float64
	RearRightPSI  float64
}

// Status is the routine telemetry snapshot for a vehicle.
type Status struct {
	LastUpdated             time.Time
	Latitude                float64
	Longitude               float64
	PositionTimestamp       time.Time
	FuelRemainingPercent    float64
	FuelDistanceRemainingKm float64
	OdometerKm              float64
	Doors                   Doors
	DoorLocks               DoorLocks
	Windows                 Windows
	HazardLightsOn          bool
	TirePressure            TirePressure
}

// ChargeInfo is the EV battery and charging snapshot.
type ChargeInfo struct {
	BatteryLevelPercentage float64
	DrivingRangeKm         float64
	DrivingRangeBevKm      float64
	PluggedIn              bool
	Charging               bool
	BasicChargeTimeMinutes float64
	QuickChargeTimeMinutes float64
	BatteryHeaterAuto      bool
	BatteryHeaterOn        bool
}

// HVACInfo is the remote climate snapshot reported with EV status.
type HVACInfo struct {
	HVACOn                     bool
	FrontDefroster             bool
	RearDefroster              bool
	InteriorTemperatureCelsius float64
}

// EVStatus is the telemetry snapshot specific to electrified vehicles.
type EVStatus struct {
	LastUpdated time.Time
	Charge      ChargeInfo
	HVAC        HVACInfo
}

// HVACSetting is the stored remote climate configuration.
type HVACSetting struct {
	Temperature     float64
	TemperatureUnit string // "C" or "F"
	FrontDefroster  bool
	RearDefroster   bool
}

// HealthReport is an aggregated diagnostic report. The set of fields varies
// by model; Fields carries the raw per-item values and the model template
// (see templates.go) selects which of them are meaningful.
type HealthReport struct {
	ReportDate time.Time
	Fields     map[string]float64
}
