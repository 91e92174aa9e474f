package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the thresholds of the position engine. Defaults reproduce the
// behaviour of the mobile client; a YAML file may override any of them.
type Tuning struct {
	// Fixes closer than this to the last recorded position count as jitter.
	MovementThresholdKm float64 `yaml:"movementThresholdKm" validate:"gt=0"`
	// Weight of the previous smoothed speed in the moving average.
	SmoothingWeight float64 `yaml:"smoothingWeight" validate:"gte=0,lte=1"`
	MaxSpeedKmh     float64 `yaml:"maxSpeedKmh" validate:"gt=0"`
	// A device that has not moved for longer than this is reported stopped.
	StationaryTimeout time.Duration `yaml:"stationaryTimeout" validate:"gt=0"`

	NearestStopRadiusKm float64 `yaml:"nearestStopRadiusKm" validate:"gt=0"`
	// Zero disables the backward-flip guard on the nearest stop index.
	NearestStopHysteresisKm float64 `yaml:"nearestStopHysteresisKm" validate:"gte=0"`

	// Device id matches further than this from the slot start are ignored.
	MatchWindow time.Duration `yaml:"matchWindow" validate:"gt=0"`

	// Apply the +24h correction to last-stop times earlier than the start.
	NormalizeMidnightWrap bool `yaml:"normalizeMidnightWrap"`
}

// DefaultTuning returns the stock engine thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		MovementThresholdKm:     0.002,
		SmoothingWeight:         0.5,
		MaxSpeedKmh:             120,
		StationaryTimeout:       10 * time.Second,
		NearestStopRadiusKm:     1,
		NearestStopHysteresisKm: 0,
		MatchWindow:             2 * time.Hour,
		NormalizeMidnightWrap:   false,
	}
}

// LoadTuning reads overrides from path on top of DefaultTuning. An empty path
// yields the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}
