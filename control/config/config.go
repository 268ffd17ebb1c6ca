// Package config loads the clock's settings file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // The clock's board may not ship a zoneinfo database.

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the clock's static configuration.
type Config struct {
	SSID     string
	Password string
	// Timezone is the name Location was parsed from.
	Timezone string
	Location *time.Location
	// Backlight is the display brightness in percent.
	Backlight int
	// Sync selects the time sync client: "sntp" or "chrony".
	Sync string
	// Interface is the network interface to bring up.
	Interface string
	// SPI names a periph SPI port; Spidev, if set, is a /dev/spidevB.C node used instead.
	SPI    string
	Spidev string
	// Pin names, as understood by gpioreg.  ResetPin and BacklightPin may be empty.
	DCPin        string
	ResetPin     string
	BacklightPin string
	// Bind is the debug server's listen address.
	Bind string
}

const (
	SyncSNTP   = "sntp"
	SyncChrony = "chrony"
)

// Default is the configuration used when no file exists.
var Default = Config{
	Timezone:     "UTC",
	Location:     time.UTC,
	Backlight:    100,
	Sync:         SyncSNTP,
	Interface:    "wlan0",
	DCPin:        "GPIO25",
	ResetPin:     "GPIO27",
	BacklightPin: "GPIO18",
	Bind:         ":8080",
}

// Load parses the TOML file at path, falling back to defaults when it is missing.
func Load(path string) (Config, error) {
	cfg := Default
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse parses a TOML document.  Keys that are missing or blank keep their defaults.
func Parse(doc []byte) (Config, error) {
	var raw struct {
		SSID         string  `toml:"ssid"`
		Password     string  `toml:"password"`
		Timezone     string  `toml:"timezone"`
		Backlight    *int    `toml:"backlight"`
		Sync         string  `toml:"sync"`
		Interface    string  `toml:"interface"`
		SPI          string  `toml:"spi"`
		Spidev       string  `toml:"spidev"`
		DCPin        string  `toml:"dc_pin"`
		ResetPin     *string `toml:"reset_pin"`
		BacklightPin *string `toml:"backlight_pin"`
		Bind         string  `toml:"bind"`
	}
	if err := toml.Unmarshal(doc, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default
	cfg.SSID = strings.TrimSpace(raw.SSID)
	// Passphrases may legitimately contain leading or trailing spaces.
	cfg.Password = raw.Password
	set(&cfg.Timezone, raw.Timezone)
	set(&cfg.Sync, strings.ToLower(raw.Sync))
	set(&cfg.Interface, raw.Interface)
	set(&cfg.SPI, raw.SPI)
	set(&cfg.Spidev, raw.Spidev)
	set(&cfg.DCPin, raw.DCPin)
	set(&cfg.Bind, raw.Bind)
	if raw.ResetPin != nil {
		cfg.ResetPin = strings.TrimSpace(*raw.ResetPin)
	}
	if raw.BacklightPin != nil {
		cfg.BacklightPin = strings.TrimSpace(*raw.BacklightPin)
	}
	if raw.Backlight != nil {
		cfg.Backlight = ClampBacklight(*raw.Backlight)
	}

	switch cfg.Sync {
	case SyncSNTP, SyncChrony:
	default:
		return Config{}, fmt.Errorf("sync: unknown client %q; want %q or %q", cfg.Sync, SyncSNTP, SyncChrony)
	}
	loc, err := ParseLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("timezone: %w", err)
	}
	cfg.Location = loc
	return cfg, nil
}

func set(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// ClampBacklight limits a brightness to 0-100 percent.
func ClampBacklight(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

var offsetRE = regexp.MustCompile(`^(?:UTC|GMT)([+-])(\d{1,2})(?::(\d{2}))?$`)

// ParseLocation accepts an IANA zone name like "America/New_York" or a fixed offset like
// "UTC+05:30".
func ParseLocation(name string) (*time.Location, error) {
	m := offsetRE.FindStringSubmatch(name)
	if m == nil {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load location %q: %w", name, err)
		}
		return loc, nil
	}
	hours, _ := strconv.Atoi(m[2])
	var minutes int
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("offset %q out of range", name)
	}
	offset := hours*3600 + minutes*60
	if m[1] == "-" {
		offset = -offset
	}
	return time.FixedZone(name, offset), nil
}
