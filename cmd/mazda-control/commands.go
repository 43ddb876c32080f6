package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mazda-community/carconnect/pkg/account"
	"github.com/mazda-community/carconnect/pkg/vehicle"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrRequiresVIN     = errors.New("cannot determine target vehicle; provide -vin or set $MAZDA_VIN")
	ErrInvalidDegree   = errors.New("latitude and longitude must both be in the range [-180, 180]")
	ErrInvalidUnit     = errors.New("temperature unit must be C or F")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error

type Command struct {
	help            string
	requiresVehicle bool // True if command targets a specific vehicle rather than the account
	args            []Argument
	optional        []Argument
	handler         Handler
}

func GetDegree(degStr string) (float64, error) {
	deg, err := strconv.ParseFloat(degStr, 64)
	if err != nil {
		return 0.0, err
	}
	if deg < -180 || deg > 180 {
		return 0.0, ErrInvalidDegree
	}
	return deg, nil
}

func GetBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on/off, got '%s'", value)
}

func GetTemperatureUnit(value string) (string, error) {
	switch strings.ToUpper(value) {
	case "C", "F":
		return strings.ToUpper(value), nil
	}
	return "", ErrInvalidUnit
}

// findVehicle resolves the target vehicle for vehicle-scoped commands. With
// an empty VIN a single-vehicle account resolves to that vehicle.
func findVehicle(ctx context.Context, acct *account.Account, vin string) (*vehicle.Vehicle, error) {
	vehicles, err := acct.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	if vin == "" {
		if len(vehicles) == 1 {
			return &vehicles[0], nil
		}
		return nil, ErrRequiresVIN
	}
	for i := range vehicles {
		if strings.EqualFold(vehicles[i].VIN, vin) {
			return &vehicles[i], nil
		}
	}
	return nil, fmt.Errorf("no vehicle with VIN %s on this account", vin)
}

func execute(ctx context.Context, acct *account.Account, vin string, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args), len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}

		var car *vehicle.Vehicle
		if info.requiresVehicle {
			car, err = findVehicle(ctx, acct, vin)
		}
		if err == nil {
			err = info.handler(ctx, acct, car, keywords)
		}
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func acknowledge(response *account.CommandResponse, err error) error {
	if err != nil {
		return err
	}
	if response != nil && response.VisitNo != "" {
		fmt.Printf("Accepted (visit number %s). Run command-status %s to check progress.\n", response.VisitNo, response.VisitNo)
	} else {
		fmt.Println("Accepted.")
	}
	return nil
}

func printStatus(status *vehicle.Status) {
	if status == nil {
		fmt.Println("No status reported yet.")
		return
	}
	fmt.Printf("Last updated:   %s\n", status.LastUpdated)
	fmt.Printf("Odometer:       %.1f km\n", status.OdometerKm)
	if status.FuelRemainingPercent > 0 || status.FuelDistanceRemainingKm > 0 {
		fmt.Printf("Fuel:           %.1f%% (%.0f km remaining)\n", status.FuelRemainingPercent, status.FuelDistanceRemainingKm)
	}
	fmt.Printf("Position:       %.5f, %.5f (as of %s)\n", status.Latitude, status.Longitude, status.PositionTimestamp)
	if status.DoorLocks.AllLocked() {
		fmt.Println("Doors:          locked")
	} else {
		fmt.Println("Doors:          NOT fully locked")
	}
	openDoors := describeOpenDoors(status.Doors)
	if len(openDoors) > 0 {
		fmt.Printf("Open:           %s\n", strings.Join(openDoors, ", "))
	}
	if status.HazardLightsOn {
		fmt.Println("Hazard lights:  on")
	}
	tp := status.TirePressure
	fmt.Printf("Tires (psi):    FL %.1f  FR %.1f  RL %.1f  RR %.1f\n",
		tp.FrontLeftPSI, tp.FrontRightPSI, tp.RearLeftPSI, tp.RearRightPSI)
}

func describeOpenDoors(doors vehicle.Doors) []string {
	var open []string
	if doors.DriverOpen {
		open = append(open, "driver door")
	}
	if doors.PassengerOpen {
		open = append(open, "passenger door")
	}
	if doors.RearLeftOpen {
		open = append(open, "rear left door")
	}
	if doors.RearRightOpen {
		open = append(open, "rear right door")
	}
	if doors.TrunkOpen {
		open = append(open, "trunk")
	}
	if doors.HoodOpen {
		open = append(open, "hood")
	}
	if doors.FuelLidOpen {
		open = append(open, "fuel lid")
	}
	return open
}

func printEVStatus(status *vehicle.EVStatus) {
	if status == nil {
		fmt.Println("No EV status reported yet.")
		return
	}
	charge := status.Charge
	fmt.Printf("Last updated:   %s\n", status.LastUpdated)
	fmt.Printf("Battery:        %.0f%%\n", charge.BatteryLevelPercentage)
	fmt.Printf("Range:          %.0f km (EV %.0f km)\n", charge.DrivingRangeKm, charge.DrivingRangeBevKm)
	switch {
	case charge.Charging:
		fmt.Println("Charging:       yes")
	case charge.PluggedIn:
		fmt.Println("Charging:       plugged in, not charging")
	default:
		fmt.Println("Charging:       unplugged")
	}
	if charge.BasicChargeTimeMinutes > 0 {
		fmt.Printf("Full charge in: %.0f min (AC), %.0f min (DC)\n", charge.BasicChargeTimeMinutes, charge.QuickChargeTimeMinutes)
	}
	if status.HVAC.HVACOn {
		fmt.Printf("Climate:        on (interior %.1f°C)\n", status.HVAC.InteriorTemperatureCelsius)
	} else {
		fmt.Println("Climate:        off")
	}
}

func printHealthReport(car *vehicle.Vehicle, report *vehicle.HealthReport) {
	if report == nil {
		fmt.Println("No health report available yet.")
		return
	}
	fmt.Printf("Report date: %s\n", report.ReportDate)
	template := vehicle.TemplateForVIN(car.VIN)
	for _, field := range template.HealthFields {
		value, ok := report.Fields[field.Key]
		if !ok {
			continue
		}
		if field.Unit != "" {
			fmt.Printf("  %-28s %.1f %s\n", field.Name, value, field.Unit)
		} else {
			fmt.Printf("  %-28s %.1f\n", field.Name, value)
		}
	}
}

var commands = map[string]*Command{
	"list": &Command{
		help: "List vehicles linked to the account",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			vehicles, err := acct.Vehicles(ctx)
			if err != nil {
				return err
			}
			for _, v := range vehicles {
				name := v.Nickname
				if name == "" {
					name = v.CarlineName
				}
				kind := "gas"
				if v.IsElectric {
					kind = "EV"
				}
				fmt.Printf("%s  %s %s %s (%s)\n", v.VIN, v.ModelYear, name, v.ModelName, kind)
			}
			return nil
		},
	},
	"ping": &Command{
		help: "Verify account credentials without sending a vehicle command",
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			if err := acct.ValidateCredentials(ctx); err != nil {
				return err
			}
			fmt.Println("Credentials OK.")
			return nil
		},
	},
	"status": &Command{
		help:            "Show the latest vehicle status",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			status, err := acct.VehicleStatus(ctx, car.ID)
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		},
	},
	"ev-status": &Command{
		help:            "Show battery and charging status (electrified vehicles)",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			if !car.IsElectric {
				return fmt.Errorf("%s is not an electrified vehicle", car.VIN)
			}
			status, err := acct.EVStatus(ctx, car.ID)
			if err != nil {
				return err
			}
			printEVStatus(status)
			return nil
		},
	},
	"health": &Command{
		help:            "Show the latest vehicle health report",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			report, err := acct.HealthReport(ctx, car.ID)
			if err != nil {
				return err
			}
			printHealthReport(car, report)
			return nil
		},
	},
	"refresh": &Command{
		help:            "Ask the vehicle to report fresh telemetry",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.RefreshVehicleStatus(ctx, car.ID))
		},
	},
	"lock": &Command{
		help:            "Lock the doors",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.LockDoors(ctx, car.ID))
		},
	},
	"unlock": &Command{
		help:            "Unlock the doors",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.UnlockDoors(ctx, car.ID))
		},
	},
	"engine-start": &Command{
		help:            "Start the engine remotely",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.StartEngine(ctx, car.ID))
		},
	},
	"engine-stop": &Command{
		help:            "Stop a remotely started engine",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.StopEngine(ctx, car.ID))
		},
	},
	"lights-on": &Command{
		help:            "Turn on the hazard lights",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.TurnOnHazardLights(ctx, car.ID))
		},
	},
	"lights-off": &Command{
		help:            "Turn off the hazard lights",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.TurnOffHazardLights(ctx, car.ID))
		},
	},
	"charge-start": &Command{
		help:            "Start charging (electrified vehicles)",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.StartCharging(ctx, car.ID))
		},
	},
	"charge-stop": &Command{
		help:            "Stop charging (electrified vehicles)",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.StopCharging(ctx, car.ID))
		},
	},
	"climate-on": &Command{
		help:            "Turn on the remote climate system",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.TurnOnHVAC(ctx, car.ID))
		},
	},
	"climate-off": &Command{
		help:            "Turn off the remote climate system",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acknowledge(acct.TurnOffHVAC(ctx, car.ID))
		},
	},
	"climate-get": &Command{
		help:            "Show the stored remote climate settings",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			setting, err := acct.HVACSetting(ctx, car.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Temperature:      %.1f°%s\n", setting.Temperature, setting.TemperatureUnit)
			fmt.Printf("Front defroster:  %v\n", setting.FrontDefroster)
			fmt.Printf("Rear defroster:   %v\n", setting.RearDefroster)
			return nil
		},
	},
	"climate-set": &Command{
		help:            "Update the stored remote climate settings",
		requiresVehicle: true,
		args: []Argument{
			{name: "TEMPERATURE", help: "Target temperature, e.g. 20.5"},
			{name: "UNIT", help: "Temperature unit (C or F)"},
		},
		optional: []Argument{
			{name: "FRONT_DEFROSTER", help: "Front defroster (on/off, default off)"},
			{name: "REAR_DEFROSTER", help: "Rear defroster (on/off, default off)"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			temperature, err := strconv.ParseFloat(args["TEMPERATURE"], 64)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			unit, err := GetTemperatureUnit(args["UNIT"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			setting := vehicle.HVACSetting{Temperature: temperature, TemperatureUnit: unit}
			if value, ok := args["FRONT_DEFROSTER"]; ok {
				if setting.FrontDefroster, err = GetBool(value); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			if value, ok := args["REAR_DEFROSTER"]; ok {
				if setting.RearDefroster, err = GetBool(value); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			return acknowledge(acct.SetHVACSetting(ctx, car.ID, setting))
		},
	},
	"send-poi": &Command{
		help:            "Send a navigation destination to the vehicle",
		requiresVehicle: true,
		args: []Argument{
			{name: "LATITUDE", help: "Destination latitude in degrees"},
			{name: "LONGITUDE", help: "Destination longitude in degrees"},
			{name: "NAME", help: "Destination name shown in the vehicle"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			latitude, err := GetDegree(args["LATITUDE"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			longitude, err := GetDegree(args["LONGITUDE"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			return acknowledge(acct.SendPOI(ctx, car.ID, latitude, longitude, args["NAME"]))
		},
	},
	"nickname-get": &Command{
		help:            "Show the vehicle's nickname",
		requiresVehicle: true,
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			nickname, err := acct.Nickname(ctx, car.VIN)
			if err != nil {
				return err
			}
			fmt.Println(nickname)
			return nil
		},
	},
	"nickname-set": &Command{
		help:            "Update the vehicle's nickname (at most 20 characters)",
		requiresVehicle: true,
		args: []Argument{
			{name: "NICKNAME", help: "New nickname"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			return acct.UpdateNickname(ctx, car.VIN, args["NICKNAME"])
		},
	},
	"command-status": &Command{
		help:            "Check the progress of a previously accepted command",
		requiresVehicle: true,
		args: []Argument{
			{name: "VISIT_NO", help: "Visit number returned when the command was accepted"},
		},
		handler: func(ctx context.Context, acct *account.Account, car *vehicle.Vehicle, args map[string]string) error {
			payload, err := acct.CommandStatus(ctx, car.ID, args["VISIT_NO"])
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	},
}
