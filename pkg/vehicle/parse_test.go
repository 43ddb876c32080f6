package vehicle

import (
	"testing"
	"time"
)

const vehicleListPayload = `{
	"vecBaseInfos": [
		{
			"vin": "JM3KFBBL0N0500001",
			"Vehicle": {
				"CvInformation": {"internalVin": 12345},
				"vehicleInformation": "{\"OtherInformation\":{\"carlineCode\":\"KF\",\"carlineName\":\"CX-5\",\"modelYear\":\"2022\",\"modelCode\":\"KFBBL\",\"modelName\":\"CX-5 PREFERRED\",\"transmissionType\":\"A\",\"interiorColorCode\":\"B\",\"interiorColorName\":\"BLACK\",\"exteriorColorCode\":\"46G\",\"exteriorColorName\":\"MACHINE GRAY\"},\"CVServiceInformation\":{\"fuelType\":\"01\"}}"
			},
			"econnectType": 0
		},
		{
			"vin": "JM3NOTENROLLED002",
			"Vehicle": {
				"CvInformation": {"internalVin": 23456},
				"vehicleInformation": "{}"
			},
			"econnectType": 0
		},
		{
			"vin": "JM3BADMETADATA003",
			"Vehicle": {
				"CvInformation": {"internalVin": 34567},
				"vehicleInformation": "{not valid json"
			},
			"econnectType": 0
		},
		{
			"vin": "JMZELECTRICEV0004",
			"Vehicle": {
				"CvInformation": {"internalVin": 45678},
				"vehicleInformation": "{\"OtherInformation\":{\"carlineCode\":\"DR\",\"modelName\":\"MX-30\",\"transmissionType\":\"-\"},\"CVServiceInformation\":{\"fuelType\":\"05\"}}"
			},
			"econnectType": 1
		}
	],
	"vehicleFlags": [
		{"vinRegistStatus": 3},
		{"vinRegistStatus": 1},
		{"vinRegistStatus": 3},
		{"vinRegistStatus": 3}
	]
}`

func TestParseVehicleList(t *testing.T) {
	vehicles, err := ParseVehicleList([]byte(vehicleListPayload))
	if err != nil {
		t.Fatalf("ParseVehicleList: %s", err)
	}
	// Unenrolled and malformed-metadata entries are both skipped.
	if len(vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(vehicles))
	}

	cx5 := vehicles[0]
	if cx5.VIN != "JM3KFBBL0N0500001" || cx5.ID != 12345 {
		t.Errorf("unexpected identity: %+v", cx5)
	}
	if cx5.ModelName != "CX-5 PREFERRED" || !cx5.AutomaticTransmission {
		t.Errorf("metadata not decoded: %+v", cx5)
	}
	if cx5.IsElectric || !cx5.HasFuel {
		t.Errorf("CX-5 misclassified: %+v", cx5)
	}

	ev := vehicles[1]
	if !ev.IsElectric || ev.HasFuel {
		t.Errorf("EV misclassified: %+v", ev)
	}
}

func TestParseVehicleListMalformed(t *testing.T) {
	if _, err := ParseVehicleList([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}

const statusPayload = `{
	"alertInfos": [{
		"OccurrenceDate": "20220101123000",
		"Door": {
			"DrStatDrv": 0, "DrStatPsngr": 0, "DrStatRl": 0, "DrStatRr": 0,
			"DrStatTrnkLg": 1, "DrStatHood": 0, "FuelLidOpenStatus": 0,
			"LockLinkSwDrv": 0, "LockLinkSwPsngr": 0, "LockLinkSwRl": 0, "LockLinkSwRr": 1
		},
		"Pw": {"PwPosDrv": 1, "PwPosPsngr": 0, "PwPosRl": 0, "PwPosRr": 0},
		"HazardLamp": {"HazardSw": 0}
	}],
	"remoteInfos": [{
		"PositionInfo": {
			"Latitude": 47.6062, "LatitudeFlag": 0,
			"Longitude": 122.3321, "LongitudeFlag": 0,
			"AcquisitionDatetime": "20220101122900"
		},
		"ResidualFuel": {"FuelSegementDActl": 74.5, "RemDrvDistDActlKm": 380.2},
		"DriveInformation": {"OdoDispValue": 12345.6},
		"TPMSInformation": {
			"FLTPrsDispPsi": 34.0, "FRTPrsDispPsi": 34.5,
			"RLTPrsDispPsi": 33.0, "RRTPrsDispPsi": 33.5
		}
	}]
}`

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus([]byte(statusPayload))
	if err != nil {
		t.Fatalf("ParseStatus: %s", err)
	}
	if status == nil {
		t.Fatal("expected a status record")
	}

	want := time.Date(2022, 1, 1, 12, 30, 0, 0, time.UTC)
	if !status.LastUpdated.Equal(want) {
		t.Errorf("LastUpdated = %s, want %s", status.LastUpdated, want)
	}
	if !status.Doors.TrunkOpen || status.Doors.DriverOpen {
		t.Errorf("door state wrong: %+v", status.Doors)
	}
	if !status.Windows.DriverOpen || status.Windows.RearLeftOpen {
		t.Errorf("window state wrong: %+v", status.Windows)
	}
	if status.DoorLocks.AllLocked() {
		t.Error("rear right is unlocked, AllLocked should be false")
	}
	// Latitude flag 0 keeps sign; longitude flag 0 negates (western hemisphere).
	if status.Latitude != 47.6062 {
		t.Errorf("Latitude = %f", status.Latitude)
	}
	if status.Longitude != -122.3321 {
		t.Errorf("Longitude = %f", status.Longitude)
	}
	if status.OdometerKm != 12345.6 || status.FuelRemainingPercent != 74.5 {
		t.Errorf("telemetry wrong: %+v", status)
	}
	if status.TirePressure.RearLeftPSI != 33.0 {
		t.Errorf("TPMS wrong: %+v", status.TirePressure)
	}
}

func TestParseStatusEmpty(t *testing.T) {
	status, err := ParseStatus([]byte(`{"alertInfos": [], "remoteInfos": []}`))
	if err != nil {
		t.Fatalf("ParseStatus: %s", err)
	}
	if status != nil {
		t.Errorf("expected nil status for empty payload, got %+v", status)
	}
}

const evStatusPayload = `{
	"resultData": [{
		"OccurrenceDate": "20220601080000",
		"PlusBInformation": {
			"VehicleInfo": {
				"ChargeInfo": {
					"SmaphSOC": 81.0,
					"SmaphRemDrvDistKm": 142.0,
					"BatRemDrvDistKm": 139.0,
					"ChargerConnectorFitting": 1,
					"ChargeStatusSub": 6,
					"MaxChargeMinuteAC": 120,
					"MaxChargeMinuteQBC": 25,
					"CstmzStatBatHeatAutoSW": 1,
					"BatteryHeaterON": 0
				},
				"RemoteHvacInfo": {
					"HVAC": 1,
					"FrontDefroster": 0,
					"RearDefogger": 1,
					"InCarTeDC": 21.5
				}
			}
		}
	}]
}`

func TestParseEVStatus(t *testing.T) {
	ev, err := ParseEVStatus([]byte(evStatusPayload))
	if err != nil {
		t.Fatalf("ParseEVStatus: %s", err)
	}
	if ev == nil {
		t.Fatal("expected an EV status record")
	}
	if ev.Charge.BatteryLevelPercentage != 81.0 || !ev.Charge.PluggedIn || !ev.Charge.Charging {
		t.Errorf("charge info wrong: %+v", ev.Charge)
	}
	if ev.Charge.BatteryHeaterOn || !ev.Charge.BatteryHeaterAuto {
		t.Errorf("battery heater wrong: %+v", ev.Charge)
	}
	if !ev.HVAC.HVACOn || ev.HVAC.FrontDefroster || !ev.HVAC.RearDefroster {
		t.Errorf("hvac info wrong: %+v", ev.HVAC)
	}
	if ev.HVAC.InteriorTemperatureCelsius != 21.5 {
		t.Errorf("interior temp = %f", ev.HVAC.InteriorTemperatureCelsius)
	}
}

func TestParseHVACSetting(t *testing.T) {
	payload := `{"hvacSettings": {"Temperature": 20.5, "TemperatureType": 1, "FrontDefroster": 1, "RearDefogger": 0}}`
	setting, err := ParseHVACSetting([]byte(payload))
	if err != nil {
		t.Fatalf("ParseHVACSetting: %s", err)
	}
	if setting.Temperature != 20.5 || setting.TemperatureUnit != "C" {
		t.Errorf("temperature wrong: %+v", setting)
	}
	if !setting.FrontDefroster || setting.RearDefroster {
		t.Errorf("defroster wrong: %+v", setting)
	}

	fahrenheit := `{"hvacSettings": {"Temperature": 70, "TemperatureType": 2}}`
	setting, err = ParseHVACSetting([]byte(fahrenheit))
	if err != nil {
		t.Fatalf("ParseHVACSetting: %s", err)
	}
	if setting.TemperatureUnit != "F" {
		t.Errorf("unit = %s, want F", setting.TemperatureUnit)
	}
}

func TestParseHealthReportItemized(t *testing.T) {
	payload := `{
		"healthReportData": {
			"vhcle": {
				"reportDate": "20220301000000",
				"reportItems": [
					{"OdoDispValue": 20000.5, "RemOilDistK": 3000, "comment": "ok"},
					{"WngTpmsStatus": 1}
				]
			}
		}
	}`
	report, err := ParseHealthReport([]byte(payload))
	if err != nil {
		t.Fatalf("ParseHealthReport: %s", err)
	}
	if report == nil {
		t.Fatal("expected a report")
	}
	if report.ReportDate.IsZero() {
		t.Error("report date not parsed")
	}
	if report.Fields["OdoDispValue"] != 20000.5 {
		t.Errorf("OdoDispValue = %f", report.Fields["OdoDispValue"])
	}
	if report.Fields["WngTpmsStatus"] != 1 {
		t.Errorf("WngTpmsStatus = %f", report.Fields["WngTpmsStatus"])
	}
	if _, ok := report.Fields["comment"]; ok {
		t.Error("non-numeric field should not be collected")
	}
}

func TestParseHealthReportRemoteInfos(t *testing.T) {
	payload := `{
		"remoteInfos": [{
			"OccurrenceDate": "20220401120000",
			"DriveInformation": {"OdoDispValue": 21000}
		}]
	}`
	report, err := ParseHealthReport([]byte(payload))
	if err != nil {
		t.Fatalf("ParseHealthReport: %s", err)
	}
	if report == nil {
		t.Fatal("expected a report")
	}
	if report.Fields["OdoDispValue"] != 21000 {
		t.Errorf("nested numeric field not flattened: %+v", report.Fields)
	}
}

func TestParseHealthReportUnknownShape(t *testing.T) {
	report, err := ParseHealthReport([]byte(`{"resultCode": "200S00"}`))
	if err != nil {
		t.Fatalf("ParseHealthReport: %s", err)
	}
	if report != nil {
		t.Errorf("expected nil for unrecognized shape, got %+v", report)
	}
}

func TestTemplateForVIN(t *testing.T) {
	cases := []struct {
		vin  string
		want string
	}{
		{"JM3KFBBL0N0500001", "CX-5"},
		{"3MVDMBBM5N1234567", "CX-30"},
		{"3MZBPABM0M1234567", "MAZDA3"},
		{"jm3kfbbl0n0500001", "CX-5"},
		{"1HGCM82633A004352", "GENERAL"},
		{"", "GENERAL"},
	}
	for _, c := range cases {
		if got := TemplateForVIN(c.vin).Name; got != c.want {
			t.Errorf("TemplateForVIN(%q) = %s, want %s", c.vin, got, c.want)
		}
	}
}

func TestTPMSWarningDescription(t *testing.T) {
	if TPMSWarningDescription(0) != "tire pressure normal" {
		t.Error("code 0 should be normal")
	}
	if TPMSWarningDescription(99) != "unknown tire pressure status" {
		t.Error("unknown code should degrade to unknown description")
	}
}

func TestVendorTimeRoundTrip(t *testing.T) {
	ts := time.Date(2023, 11, 5, 14, 9, 3, 0, time.UTC)
	if got := ParseVendorTime(FormatVendorTime(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %s, want %s", got, ts)
	}
	if !ParseVendorTime("garbage").IsZero() {
		t.Error("malformed timestamp should parse to zero time")
	}
	if !ParseVendorTime("").IsZero() {
		t.Error("empty timestamp should parse to zero time")
	}
}
