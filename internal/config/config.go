// Package config holds the appliance's runtime settings. Values come
// from an optional TOML file, overridden by command-line flags.
package config

import (
	"bytes"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

type Config struct {
	Cert   string `toml:"cert"`
	Key    string `toml:"key"`
	Port   int    `toml:"port"`
	Listen string `toml:"listen"`

	Device  string `toml:"device"`
	Encoder string `toml:"encoder"`
	Bitrate int    `toml:"bitrate"`
	GOP     int    `toml:"gop"`
	Buffers int    `toml:"buffers"`

	Keyboard string `toml:"keyboard"`
	Mouse    string `toml:"mouse"`

	MaxClients int  `toml:"max_clients"`
	NoEpaper   bool `toml:"no_epaper"`
}

func Default() Config {
	return Config{
		Port:       8443,
		Listen:     "0.0.0.0",
		Device:     "/dev/video0",
		Encoder:    "/dev/video11",
		Bitrate:    1_000_000,
		GOP:        3,
		Buffers:    6,
		Keyboard:   "/dev/hidg0",
		Mouse:      "/dev/hidg1",
		MaxClients: 32,
	}
}

// Load reads a TOML file over the defaults. Unknown keys are rejected so
// a typo does not silently fall back to a default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}
