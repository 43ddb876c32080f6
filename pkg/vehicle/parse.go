package vehicle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mazda-community/carconnect/internal/log"
)

// vendorTimeLayout is the timestamp format used throughout the backend's
// telemetry payloads. All values are UTC.
const vendorTimeLayout = "20060102150405"

// ParseVendorTime parses a backend telemetry timestamp. A zero time is
// returned for empty or malformed input rather than an error; telemetry
// records routinely omit timestamps.
func ParseVendorTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(vendorTimeLayout, s)
	if err != nil {
		log.Debug("unparseable telemetry timestamp %q", s)
		return time.Time{}
	}
	return t
}

// FormatVendorTime renders t in the backend's telemetry timestamp format.
func FormatVendorTime(t time.Time) string {
	return t.UTC().Format(vendorTimeLayout)
}

type baseInfosResponse struct {
	VecBaseInfos []struct {
		VIN     string `json:"vin"`
		Vehicle struct {
			CvInformation struct {
				InternalVin int `json:"internalVin"`
			} `json:"CvInformation"`
			// vehicleInformation is JSON embedded as a string.
			VehicleInformation string `json:"vehicleInformation"`
		} `json:"Vehicle"`
		EconnectType int `json:"econnectType"`
	} `json:"vecBaseInfos"`
	VehicleFlags []struct {
		VinRegistStatus int `json:"vinRegistStatus"`
	} `json:"vehicleFlags"`
}

type vehicleInformation struct {
	OtherInformation struct {
		CarlineCode       string `json:"carlineCode"`
		CarlineName       string `json:"carlineName"`
		ModelYear         string `json:"modelYear"`
		ModelCode         string `json:"modelCode"`
		ModelName         string `json:"modelName"`
		TransmissionType  string `json:"transmissionType"`
		InteriorColorCode string `json:"interiorColorCode"`
		InteriorColorName string `json:"interiorColorName"`
		ExteriorColorCode string `json:"exteriorColorCode"`
		ExteriorColorName string `json:"exteriorColorName"`
	} `json:"OtherInformation"`
	CVServiceInformation struct {
		FuelType string `json:"fuelType"`
	} `json:"CVServiceInformation"`
}

const fuelTypeElectricOnly = "05"

// enrolled is the vinRegistStatus value for vehicles active in the connected
// service; anything else is skipped during discovery.
const enrolledRegistStatus = 3

// ParseVehicleList decodes a fleet discovery payload into Vehicle records.
// Vehicles not enrolled in the connected service are skipped, and a decode
// failure in one vehicle's embedded metadata skips that vehicle only.
// Nicknames are not part of this payload and are left empty.
func ParseVehicleList(payload []byte) ([]Vehicle, error) {
	var resp baseInfosResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding vehicle list: %w", err)
	}

	vehicles := make([]Vehicle, 0, len(resp.VecBaseInfos))
	for i, info := range resp.VecBaseInfos {
		if i >= len(resp.VehicleFlags) || resp.VehicleFlags[i].VinRegistStatus != enrolledRegistStatus {
			continue
		}

		v := Vehicle{
			VIN:        info.VIN,
			ID:         info.Vehicle.CvInformation.InternalVin,
			IsElectric: info.EconnectType == 1,
			HasFuel:    true,
		}

		var meta vehicleInformation
		if raw := info.Vehicle.VehicleInformation; raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				log.Warning("skipping vehicle %s: malformed embedded metadata: %s", info.VIN, err)
				continue
			}
		}
		other := meta.OtherInformation
		v.CarlineCode = other.CarlineCode
		v.CarlineName = other.CarlineName
		v.ModelYear = other.ModelYear
		v.ModelCode = other.ModelCode
		v.ModelName = other.ModelName
		v.AutomaticTransmission = other.TransmissionType == "A"
		v.InteriorColorCode = other.InteriorColorCode
		v.InteriorColorName = other.InteriorColorName
		v.ExteriorColorCode = other.ExteriorColorCode
		v.ExteriorColorName = other.ExteriorColorName
		if meta.CVServiceInformation.FuelType != "" {
			v.HasFuel = meta.CVServiceInformation.FuelType != fuelTypeElectricOnly
		}

		vehicles = append(vehicles, v)
	}
	return vehicles, nil
}

type statusResponse struct {
	AlertInfos []struct {
		OccurrenceDate string `json:"OccurrenceDate"`
		Door           struct {
			DrStatDrv         int `json:"DrStatDrv"`
			DrStatPsngr       int `json:"DrStatPsngr"`
			DrStatRl          int `json:"DrStatRl"`
			DrStatRr          int `json:"DrStatRr"`
			DrStatTrnkLg      int `json:"DrStatTrnkLg"`
			DrStatHood        int `json:"DrStatHood"`
			FuelLidOpenStatus int `json:"FuelLidOpenStatus"`
			LockLinkSwDrv     int `json:"LockLinkSwDrv"`
			LockLinkSwPsngr   int `json:"LockLinkSwPsngr"`
			LockLinkSwRl      int `json:"LockLinkSwRl"`
			LockLinkSwRr      int `json:"LockLinkSwRr"`
		} `json:"Door"`
		Pw struct {
			PwPosDrv   int `json:"PwPosDrv"`
			PwPosPsngr int `json:"PwPosPsngr"`
			PwPosRl    int `json:"PwPosRl"`
			PwPosRr    int `json:"PwPosRr"`
		} `json:"Pw"`
		HazardLamp struct {
			HazardSw int `json:"HazardSw"`
		} `json:"HazardLamp"`
	} `json:"alertInfos"`
	RemoteInfos []struct {
		PositionInfo struct {
			Latitude            float64 `json:"Latitude"`
			LatitudeFlag        int     `json:"LatitudeFlag"`
			Longitude           float64 `json:"Longitude"`
			LongitudeFlag       int     `json:"LongitudeFlag"`
			AcquisitionDatetime string  `json:"AcquisitionDatetime"`
		} `json:"PositionInfo"`
		ResidualFuel struct {
			FuelSegementDActl float64 `json:"FuelSegementDActl"`
			RemDrvDistDActlKm float64 `json:"RemDrvDistDActlKm"`
		} `json:"ResidualFuel"`
		DriveInformation struct {
			OdoDispValue float64 `json:"OdoDispValue"`
		} `json:"DriveInformation"`
		TPMSInformation struct {
			FLTPrsDispPsi float64 `json:"FLTPrsDispPsi"`
			FRTPrsDispPsi float64 `json:"FRTPrsDispPsi"`
			RLTPrsDispPsi float64 `json:"RLTPrsDispPsi"`
			RRTPrsDispPsi float64 `json:"RRTPrsDispPsi"`
		} `json:"TPMSInformation"`
	} `json:"remoteInfos"`
}

// ParseStatus decodes a telemetry snapshot. A payload with no alert records
// is recognized but empty; it yields (nil, nil) so callers can distinguish
// "no data yet" from a decode failure.
func ParseStatus(payload []byte) (*Status, error) {
	var resp statusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding vehicle status: %w", err)
	}
	if len(resp.AlertInfos) == 0 {
		return nil, nil
	}

	alert := resp.AlertInfos[0]
	status := &Status{
		LastUpdated: ParseVendorTime(alert.OccurrenceDate),
		Doors: Doors{
			DriverOpen:    alert.Door.DrStatDrv == 1,
			PassengerOpen: alert.Door.DrStatPsngr == 1,
			RearLeftOpen:  alert.Door.DrStatRl == 1,
			RearRightOpen: alert.Door.DrStatRr == 1,
			TrunkOpen:     alert.Door.DrStatTrnkLg == 1,
			HoodOpen:      alert.Door.DrStatHood == 1,
			FuelLidOpen:   alert.Door.FuelLidOpenStatus == 1,
		},
		DoorLocks: DoorLocks{
			DriverUnlocked:    alert.Door.LockLinkSwDrv == 1,
			PassengerUnlocked: alert.Door.LockLinkSwPsngr == 1,
			RearLeftUnlocked:  alert.Door.LockLinkSwRl == 1,
			RearRightUnlocked: alert.Door.LockLinkSwRr == 1,
		},
		Windows: Windows{
			DriverOpen:    alert.Pw.PwPosDrv == 1,
			PassengerOpen: alert.Pw.PwPosPsngr == 1,
			RearLeftOpen:  alert.Pw.PwPosRl == 1,
			RearRightOpen: alert.Pw.PwPosRr == 1,
		},
		HazardLightsOn: alert.HazardLamp.HazardSw == 1,
	}

	if len(resp.RemoteInfos) > 0 {
		remote := resp.RemoteInfos[0]
		status.Latitude = remote.PositionInfo.Latitude
		if remote.PositionInfo.LatitudeFlag == 1 {
			status.Latitude = -status.Latitude
		}
		status.Longitude = remote.PositionInfo.Longitude
		if remote.PositionInfo.LongitudeFlag != 1 {
			status.Longitude = -status.Longitude
		}
		status.PositionTimestamp = ParseVendorTime(remote.PositionInfo.AcquisitionDatetime)
		status.FuelRemainingPercent = remote.ResidualFuel.FuelSegementDActl
		status.FuelDistanceRemainingKm = remote.ResidualFuel.RemDrvDistDActlKm
		status.OdometerKm = remote.DriveInformation.OdoDispValue
		status.TirePressure = TirePressure{
			FrontLeftPSI:  remote.TPMSInformation.FLTPrsDispPsi,
			FrontRightPSI: remote.TPMSInformation.FRTPrsDispPsi,
			RearLeftPSI:   remote.TPMSInformation.RLTPrsDispPsi,
			RearRightPSI:  remote.TPMSInformation.RRTPrsDispPsi,
		}
	}

	return status, nil
}

type evStatusResponse struct {
	ResultData []struct {
		OccurrenceDate   string `json:"OccurrenceDate"`
		PlusBInformation struct {
			VehicleInfo struct {
				ChargeInfo struct {
					SmaphSOC              float64 `json:"SmaphSOC"`
					SmaphRemDrvDistKm     float64 `json:"SmaphRemDrvDistKm"`
					BatRemDrvDistKm       float64 `json:"BatRemDrvDistKm"`
					ChargerConnectorFit   int     `json:"ChargerConnectorFitting"`
					ChargeStatusSub       int     `json:"ChargeStatusSub"`
					MaxChargeMinuteAC     float64 `json:"MaxChargeMinuteAC"`
					MaxChargeMinuteQBC    float64 `json:"MaxChargeMinuteQBC"`
					CstmzStatBatHeatAuto  int     `json:"CstmzStatBatHeatAutoSW"`
					BatteryHeaterOn       int     `json:"BatteryHeaterON"`
				} `json:"ChargeInfo"`
				RemoteHvacInfo struct {
					HVAC           int     `json:"HVAC"`
					FrontDefroster int     `json:"FrontDefroster"`
					RearDefogger   int     `json:"RearDefogger"`
					InCarTeDC      float64 `json:"InCarTeDC"`
				} `json:"RemoteHvacInfo"`
			} `json:"VehicleInfo"`
		} `json:"PlusBInformation"`
	} `json:"resultData"`
}

// chargingStatusActive is the ChargeStatusSub value reported while current
// is actually flowing.
const chargingStatusActive = 6

// ParseEVStatus decodes the electrified-vehicle telemetry snapshot.
func ParseEVStatus(payload []byte) (*EVStatus, error) {
	var resp evStatusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding EV status: %w", err)
	}
	if len(resp.ResultData) == 0 {
		return nil, nil
	}

	data := resp.ResultData[0]
	charge := data.PlusBInformation.VehicleInfo.ChargeInfo
	hvac := data.PlusBInformation.VehicleInfo.RemoteHvacInfo

	return &EVStatus{
		LastUpdated: ParseVendorTime(data.OccurrenceDate),
		Charge: ChargeInfo{
			BatteryLevelPercentage: charge.SmaphSOC,
			DrivingRangeKm:         charge.SmaphRemDrvDistKm,
			DrivingRangeBevKm:      charge.BatRemDrvDistKm,
			PluggedIn:              charge.ChargerConnectorFit == 1,
			Charging:               charge.ChargeStatusSub == chargingStatusActive,
			BasicChargeTimeMinutes: charge.MaxChargeMinuteAC,
			QuickChargeTimeMinutes: charge.MaxChargeMinuteQBC,
			BatteryHeaterAuto:      charge.CstmzStatBatHeatAuto == 1,
			BatteryHeaterOn:        charge.BatteryHeaterOn == 1,
		},
		HVAC: HVACInfo{
			HVACOn:                     hvac.HVAC == 1,
			FrontDefroster:             hvac.FrontDefroster == 1,
			RearDefroster:              hvac.RearDefogger == 1,
			InteriorTemperatureCelsius: hvac.InCarTeDC,
		},
	}, nil
}

type hvacSettingResponse struct {
	HVACSettings struct {
		Temperature     float64 `json:"Temperature"`
		TemperatureType int     `json:"TemperatureType"`
		FrontDefroster  int     `json:"FrontDefroster"`
		RearDefogger    int     `json:"RearDefogger"`
	} `json:"hvacSettings"`
}

// ParseHVACSetting decodes the stored remote climate configuration.
func ParseHVACSetting(payload []byte) (*HVACSetting, error) {
	var resp hvacSettingResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding HVAC setting: %w", err)
	}
	unit := "F"
	if resp.HVACSettings.TemperatureType == 1 {
		unit = "C"
	}
	return &HVACSetting{
		Temperature:     resp.HVACSettings.Temperature,
		TemperatureUnit: unit,
		FrontDefroster:  resp.HVACSettings.FrontDefroster == 1,
		RearDefroster:   resp.HVACSettings.RearDefogger == 1,
	}, nil
}

type healthReportResponse struct {
	HealthReportData *struct {
		Vhcle struct {
			ReportDate  string                       `json:"reportDate"`
			ReportItems []map[string]json.RawMessage `json:"reportItems"`
		} `json:"vhcle"`
	} `json:"healthReportData"`
	RemoteInfos []map[string]json.RawMessage `json:"remoteInfos"`
}

// ParseHealthReport decodes a diagnostic report. The backend has shipped two
// shapes for this payload; both are accepted. Numeric leaf fields are
// flattened into Fields keyed by their vendor names, which the model
// templates then interpret.
func ParseHealthReport(payload []byte) (*HealthReport, error) {
	var resp healthReportResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding health report: %w", err)
	}

	report := &HealthReport{Fields: map[string]float64{}}
	switch {
	case resp.HealthReportData != nil:
		report.ReportDate = ParseVendorTime(resp.HealthReportData.Vhcle.ReportDate)
		for _, item := range resp.HealthReportData.Vhcle.ReportItems {
			flattenNumericFields(item, report.Fields)
		}
	case len(resp.RemoteInfos) > 0:
		info := resp.RemoteInfos[0]
		if raw, ok := info["OccurrenceDate"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				report.ReportDate = ParseVendorTime(s)
			}
		}
		flattenNumericFields(info, report.Fields)
	default:
		return nil, nil
	}
	return report, nil
}

// flattenNumericFields collects numeric leaves from a decoded JSON object
// into dst, recursing one level into nested objects. Key collisions keep the
// first value seen.
func flattenNumericFields(src map[string]json.RawMessage, dst map[string]float64) {
	for key, raw := range src {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			if _, seen := dst[key]; !seen {
				dst[key] = n
			}
			continue
		}
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "{") {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err == nil {
				flattenNumericFields(nested, dst)
			}
		}
	}
}
