package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so settings files can use values like "30s"
type Duration time.Duration

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalText converts Duration to a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText converts Duration from a string
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("unknown duration value \"%s\"", b)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON converts to a json string using MarshalText
func (d Duration) MarshalJSON() ([]byte, error) {
	s, err := d.MarshalText()
	if err != nil {
		return []byte(""), err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON converts Duration from a json string
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML converts to a yaml string using MarshalText
func (d Duration) MarshalYAML() (interface{}, error) {
	s, err := d.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(s), nil
}

// UnmarshalYAML converts Duration from a yaml string
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
