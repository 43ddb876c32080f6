package vehicle

import "strings"

// HealthField describes one diagnostic value a model's health report carries.
type HealthField struct {
	Key  string // key in HealthReport.Fields
	Name string // human-readable label
	Unit string
}

// ModelTemplate describes how a given model reports telemetry. Templates are
// plain data so new models can be added without code changes elsewhere.
type ModelTemplate struct {
	Name         string
	VINPrefixes  []string
	Electric     bool
	HasFuel      bool
	HealthFields []HealthField
}

var commonHealthFields = []HealthField{
	{Key: "OdoDispValue", Name: "Odometer", Unit: "km"},
	{Key: "RemOilDistK", Name: "Oil change distance remaining", Unit: "km"},
	{Key: "MntSCRDistK", Name: "Scheduled maintenance distance remaining", Unit: "km"},
	{Key: "WngTpmsStatus", Name: "Tire pressure warning", Unit: ""},
	{Key: "WngOilShortage", Name: "Oil level warning", Unit: ""},
	{Key: "WngBreakFluidLevel", Name: "Brake fluid warning", Unit: ""},
}

var modelTemplates = []ModelTemplate{
	{
		Name:         "CX-5",
		VINPrefixes:  []string{"JM3KFBBL"},
		HasFuel:      true,
		HealthFields: commonHealthFields,
	},
	{
		Name:         "CX-30",
		VINPrefixes:  []string{"3MVDMBBM"},
		HasFuel:      true,
		HealthFields: commonHealthFields,
	},
	{
		Name:         "MAZDA3",
		VINPrefixes:  []string{"3MZBPABM"},
		HasFuel:      true,
		HealthFields: commonHealthFields,
	},
}

// generalTemplate is the fallback for VINs no template claims.
var generalTemplate = ModelTemplate{
	Name:         "GENERAL",
	HasFuel:      true,
	HealthFields: commonHealthFields,
}

// TemplateForVIN returns the model template matching the VIN's world
// manufacturer prefix, or the general fallback.
func TemplateForVIN(vin string) ModelTemplate {
	upper := strings.ToUpper(strings.TrimSpace(vin))
	for _, t := range modelTemplates {
		for _, p := range t.VINPrefixes {
			if strings.HasPrefix(upper, p) {
				return t
			}
		}
	}
	return generalTemplate
}

// tpmsWarnings maps TPMS status codes to descriptions. Codes outside the
// table render as unknown rather than failing.
var tpmsWarnings = map[int]string{
	0: "tire pressure normal",
	1: "tire pressure low",
	2: "tire pressure critically low",
	3: "tire pressure sensor fault",
}

// TPMSWarningDescription describes a TPMS warning status code.
func TPMSWarningDescription(code int) string {
	if s, ok := tpmsWarnings[code]; ok {
		return s
	}
	return "unknown tire pressure status"
}
