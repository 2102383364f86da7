// Package config loads the accessory server configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"time"

	"hapkit/pairing"

	"github.com/golang/glog"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Name             string `yaml:"name" default:"Ceiling Fan"`
	Manufacturer     string `yaml:"manufacturer" default:"AI Thinker"`
	Model            string `yaml:"model" default:"ESP8266MOD"`
	SerialNumber     string `yaml:"serial_number" default:"MJBPJ-CMTHH-8YHX5"`
	FirmwareRevision string `yaml:"firmware_revision" default:"1.0"`
	Category         uint16 `yaml:"category" default:"3"`

	Addr      string `yaml:"addr" default:""`
	Port      int    `yaml:"port" default:"51826"`
	Advertise bool   `yaml:"advertise" default:"true"`

	SetupCode string `yaml:"setup_code" default:"111-11-111"`
	SetupID   string `yaml:"setup_id" default:"7OSX"`
	StoreDir  string `yaml:"store_dir" default:"hapd-data"`

	RequestTimeout time.Duration `yaml:"request_timeout" default:"5s"`
	EventQueueSize uint32        `yaml:"event_queue_size" default:"64"`

	Backoff Backoff `yaml:"backoff"`
}

// Backoff configures the pair-setup attempt limiter.
type Backoff struct {
	FreeAttempts int           `yaml:"free_attempts" default:"5"`
	InitialDelay time.Duration `yaml:"initial_delay" default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" default:"1h"`
	MaxAttempts  int           `yaml:"max_attempts" default:"100"`
}

func (b Backoff) Limiter() pairing.LimiterConfig {
	return pairing.LimiterConfig{
		FreeAttempts: b.FreeAttempts,
		InitialDelay: b.InitialDelay,
		MaxDelay:     b.MaxDelay,
		MaxAttempts:  b.MaxAttempts,
	}
}

func Default() *Config {
	var c Config
	defaults.SetDefaults(&c)
	return &c
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		glog.Infof("config: %s not found, using defaults", path)
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := Parse(b, c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML into c. Unknown keys are rejected.
func Parse(b []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

var setupIDPattern = regexp.MustCompile(`^[0-9A-Z]{4}$`)

func (c *Config) Validate() error {
	code, err := pairing.ParseSetupCode(c.SetupCode)
	if err != nil {
		return err
	}
	if code.Trivial() {
		glog.Warningf("config: setup code %s is trivial and may be refused by controllers", code)
	}
	if !setupIDPattern.MatchString(c.SetupID) {
		return fmt.Errorf("setup_id %q: want 4 characters of 0-9A-Z", c.SetupID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Name == "" {
		return errors.New("name is empty")
	}
	if c.Category == 0 {
		return errors.New("category must be >= 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout %v must be positive", c.RequestTimeout)
	}
	if c.EventQueueSize == 0 {
		return errors.New("event_queue_size must be positive")
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("backoff max_delay %v below initial_delay %v", c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	return nil
}

// Code returns the parsed setup code. Call Validate first.
func (c *Config) Code() pairing.SetupCode {
	code, _ := pairing.ParseSetupCode(c.SetupCode)
	return code
}
