// Package config holds ConsensusProp, the plain configuration struct
// spec.md §6 names, plus the JSON file format cmd/paxosd accepts via
// --config (sitting alongside cobra/pflag-bound flags for the same
// fields — see cmd/paxosd/run.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/paxoscore/consensus/internal/membership"
)

// ConsensusProp is the recognized option set from spec.md §6's
// configuration table.
type ConsensusProp struct {
	Self    membership.Endpoint   `json:"self"`
	Members []membership.Endpoint `json:"members"`

	RoundTimeoutMS int `json:"roundTimeout"`
	Retry          int `json:"retry"`

	ElectionJitterMinMS int `json:"electionJitterMin"`
	ElectionJitterMaxMS int `json:"electionJitterMax"`
	HeartbeatIntervalMS int `json:"heartbeatInterval"`

	DataDir string `json:"dataDir"`
}

// Default returns a ConsensusProp with spec.md §6's stated defaults;
// Self/Members must still be filled in by the caller.
func Default() ConsensusProp {
	return ConsensusProp{
		RoundTimeoutMS:      300,
		Retry:               3,
		ElectionJitterMinMS: 600,
		ElectionJitterMaxMS: 800,
		HeartbeatIntervalMS: 100,
	}
}

// Load reads and parses a JSON config file, starting from Default() so a
// partial file only overrides what it names.
func Load(path string) (ConsensusProp, error) {
	prop := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return prop, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &prop); err != nil {
		return prop, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return prop, nil
}

// RoundTimeout returns RoundTimeoutMS as a time.Duration.
func (c ConsensusProp) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutMS) * time.Millisecond
}

// ElectionJitterMin returns ElectionJitterMinMS as a time.Duration.
func (c ConsensusProp) ElectionJitterMin() time.Duration {
	return time.Duration(c.ElectionJitterMinMS) * time.Millisecond
}

// ElectionJitterMax returns ElectionJitterMaxMS as a time.Duration.
func (c ConsensusProp) ElectionJitterMax() time.Duration {
	return time.Duration(c.ElectionJitterMaxMS) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMS as a time.Duration.
func (c ConsensusProp) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// Validate reports the first configuration error found, if any.
func (c ConsensusProp) Validate() error {
	if c.Self.ID == "" {
		return fmt.Errorf("config: self endpoint must have a non-empty id")
	}
	if c.RoundTimeoutMS <= 0 {
		return fmt.Errorf("config: roundTimeout must be positive")
	}
	if c.Retry <= 0 {
		return fmt.Errorf("config: retry must be positive")
	}
	if c.ElectionJitterMinMS <= 0 || c.ElectionJitterMaxMS < c.ElectionJitterMinMS {
		return fmt.Errorf("config: electionJitterMin/Max must be positive and min <= max")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("config: heartbeatInterval must be positive")
	}
	return nil
}
