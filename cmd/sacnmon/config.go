package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/patchbay/sacn"
)

// Config is the TOML file sacnmon loads at startup (BurntSushi/toml
// with UnmarshalTOML on custom address-like types).
type Config struct {
	Interfaces []string         `toml:"interfaces"`
	IPMode     string           `toml:"ip_mode"`
	Universes  []UniverseConfig `toml:"universe"`
}

// UniverseConfig describes one universe to source, sized to the fields
// a local test source actually needs.
type UniverseConfig struct {
	Number     uint16   `toml:"number"`
	Priority   uint8    `toml:"priority"`
	CID        CIDValue `toml:"cid"`
	Name       string   `toml:"name"`
	LevelsFile string   `toml:"levels_file"`
}

// CIDValue wraps sacn.CID so it can be written in a TOML file as a
// dashed hex string, matching the format CID.String() produces.
type CIDValue struct {
	sacn.CID
}

func (c *CIDValue) UnmarshalText(text []byte) error {
	s := strings.ReplaceAll(string(text), "-", "")
	if len(s) != 32 {
		return fmt.Errorf("sacnmon: cid must be 32 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("sacnmon: invalid cid: %w", err)
	}
	copy(c.CID[:], raw)
	return nil
}

func (c *CIDValue) UnmarshalTOML(data interface{}) error {
	s, ok := data.(string)
	if !ok {
		return fmt.Errorf("sacnmon: unsupported cid type: %T", data)
	}
	return c.UnmarshalText([]byte(s))
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("sacnmon: failed to load config: %w", err)
	}
	for i := range cfg.Universes {
		u := &cfg.Universes[i]
		if !sacn.ValidUniverse(u.Number) {
			return nil, fmt.Errorf("sacnmon: universe %d: %w", u.Number, sacn.ErrInvalidUniverseNumber)
		}
		if u.Priority == 0 {
			u.Priority = sacn.DefaultPriority
		}
	}
	return &cfg, nil
}

func ipModeFromString(s string) sacn.IPMode {
	switch s {
	case "ipv6":
		return sacn.IPv6Only
	case "ipv4and6", "dual":
		return sacn.IPv4And6
	default:
		return sacn.IPv4Only
	}
}
