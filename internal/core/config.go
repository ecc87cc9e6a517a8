package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// UnitSystem selects the units the instance reports values in.
type UnitSystem string

const (
	UnitSystemMetric   UnitSystem = "metric"
	UnitSystemImperial UnitSystem = "imperial"
)

// Units returns the unit symbols of the system.
func (u UnitSystem) Units() map[string]string {
	if u == UnitSystemImperial {
		return map[string]string{
			"length":      "mi",
			"mass":        "lb",
			"pressure":    "psi",
			"temperature": "°F",
			"volume":      "gal",
		}
	}
	return map[string]string{
		"length":      "km",
		"mass":        "g",
		"pressure":    "Pa",
		"temperature": "°C",
		"volume":      "L",
	}
}

// Config is the runtime configuration exposed by get_config.
type Config struct {
	LocationName          string
	Latitude              float64
	Longitude             float64
	Elevation             int
	TimeZone              string
	UnitSystem            UnitSystem
	InternalURL           string
	ExternalURL           string
	AllowlistExternalDirs []string
	ConfigDir             string
}

// ConfigUpdate carries the fields to change in UpdateConfig. Nil fields
// are left untouched.
type ConfigUpdate struct {
	LocationName *string    `json:"location_name,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Elevation    *int       `json:"elevation,omitempty"`
	TimeZone     *string    `json:"time_zone,omitempty"`
	UnitSystem   UnitSystem `json:"unit_system,omitempty"`
	InternalURL  *string    `json:"internal_url,omitempty"`
	ExternalURL  *string    `json:"external_url,omitempty"`
}

// apply validates u and returns cfg with the update applied.
func (u ConfigUpdate) apply(cfg Config) (Config, error) {
	if u.LocationName != nil {
		cfg.LocationName = *u.LocationName
	}
	if u.Latitude != nil {
		if *u.Latitude < -90 || *u.Latitude > 90 {
			return cfg, fmt.Errorf("latitude %v out of range", *u.Latitude)
		}
		cfg.Latitude = *u.Latitude
	}
	if u.Longitude != nil {
		if *u.Longitude < -180 || *u.Longitude > 180 {
			return cfg, fmt.Errorf("longitude %v out of range", *u.Longitude)
		}
		cfg.Longitude = *u.Longitude
	}
	if u.Elevation != nil {
		cfg.Elevation = *u.Elevation
	}
	if u.TimeZone != nil {
		if _, err := time.LoadLocation(*u.TimeZone); err != nil {
			return cfg, fmt.Errorf("invalid time zone %q: %w", *u.TimeZone, err)
		}
		cfg.TimeZone = *u.TimeZone
	}
	if u.UnitSystem != "" {
		us := UnitSystem(strings.ToLower(string(u.UnitSystem)))
		if us != UnitSystemMetric && us != UnitSystemImperial {
			return cfg, fmt.Errorf("invalid unit system %q", u.UnitSystem)
		}
		cfg.UnitSystem = us
	}
	if u.InternalURL != nil {
		cfg.InternalURL = *u.InternalURL
	}
	if u.ExternalURL != nil {
		cfg.ExternalURL = *u.ExternalURL
	}
	return cfg, nil
}

// clone returns a copy that shares no slices with cfg.
func (cfg Config) clone() Config {
	cfg.AllowlistExternalDirs = slices.Clone(cfg.AllowlistExternalDirs)
	return cfg
}

// IsAllowedPath reports whether path lies inside an allowlisted directory.
func (cfg Config) IsAllowedPath(path string) bool {
	for _, dir := range cfg.AllowlistExternalDirs {
		dir = strings.TrimSuffix(dir, "/")
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}
