package main

import (
	"errors"
	"testing"
)

func TestGetDegree(t *testing.T) {
	type params struct {
		str    string
		degree float64
		err    error
	}
	testCases := []params{
		{str: "47.6062", degree: 47.6062},
		{str: "-122.3321", degree: -122.3321},
		{str: "0", degree: 0},
		{str: "180", degree: 180},
		{str: "-180", degree: -180},
		{str: "180.1", err: ErrInvalidDegree},
		{str: "-199", err: ErrInvalidDegree},
	}
	for _, test := range testCases {
		degree, err := GetDegree(test.str)
		if !errors.Is(err, test.err) {
			t.Errorf("expected '%s' to result in error %v, but got %v", test.str, test.err, err)
		} else if degree != test.degree {
			t.Errorf("expected GetDegree('%s') = %v, but got %v", test.str, test.degree, degree)
		}
	}
	if _, err := GetDegree("north"); err == nil {
		t.Error("expected error when parsing non-numeric degrees")
	}
}

func TestGetBool(t *testing.T) {
	type params struct {
		str   string
		value bool
		isErr bool
	}
	testCases := []params{
		{str: "on", value: true},
		{str: "ON", value: true},
		{str: "yes", value: true},
		{str: "1", value: true},
		{str: "off", value: false},
		{str: "false", value: false},
		{str: "0", value: false},
		{str: "maybe", isErr: true},
		{str: "", isErr: true},
	}
	for _, test := range testCases {
		value, err := GetBool(test.str)
		if (err != nil) != test.isErr {
			t.Errorf("switch string '%s' gave unexpected err = %v", test.str, err)
		} else if value != test.value {
			t.Errorf("expected GetBool('%s') = %v, but got %v", test.str, test.value, value)
		}
	}
}

func TestGetTemperatureUnit(t *testing.T) {
	for _, str := range []string{"C", "c", "F", "f"} {
		if _, err := GetTemperatureUnit(str); err != nil {
			t.Errorf("unexpected error for unit '%s': %s", str, err)
		}
	}
	if _, err := GetTemperatureUnit("K"); !errors.Is(err, ErrInvalidUnit) {
		t.Errorf("expected ErrInvalidUnit for 'K', got %v", err)
	}
}

func TestCommandTableConsistency(t *testing.T) {
	for name, info := range commands {
		if info.handler == nil {
			t.Errorf("command %s has no handler", name)
		}
		if info.help == "" {
			t.Errorf("command %s has no help text", name)
		}
		for _, arg := range append(append([]Argument{}, info.args...), info.optional...) {
			if arg.name == "" || arg.help == "" {
				t.Errorf("command %s has an undocumented argument", name)
			}
		}
	}
}
