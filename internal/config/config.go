// Package config loads the party agent configuration: an optional YAML
// file, then TELECALL_* environment overrides, then defaults and
// validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay backends.
const (
	RelayWS     = "ws"
	RelayRedis  = "redis"
	RelayMemory = "memory"
)

// Directory drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	PartyID  string `yaml:"party_id"`
	HTTPAddr string `yaml:"http_addr"`
	Debug    bool   `yaml:"debug"`

	Relay     RelayConfig     `yaml:"relay"`
	Directory DirectoryConfig `yaml:"directory"`
	Call      CallConfig      `yaml:"call"`
	ICE       ICEConfig       `yaml:"ice"`
	Media     MediaConfig     `yaml:"media"`

	// Profiles maps party ids to display names when the directory has no
	// profiles table.
	Profiles map[string]string `yaml:"profiles"`
}

type RelayConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	// Secret signs party tokens on the hub side.
	Secret string `yaml:"secret"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Backoff BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Budget int           `yaml:"budget"`
}

type DirectoryConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type CallConfig struct {
	RingTimeout          time.Duration `yaml:"ring_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	EndedGrace           time.Duration `yaml:"ended_grace"`
	IncomingStaleness    time.Duration `yaml:"incoming_staleness"`
	NegotiationTolerance int           `yaml:"negotiation_tolerance"`
	ProfileTimeout       time.Duration `yaml:"profile_timeout"`
	DirectoryTimeout     time.Duration `yaml:"directory_timeout"`
}

type ICEConfig struct {
	STUNServers       []string      `yaml:"stun_servers"`
	DisconnectedGrace time.Duration `yaml:"disconnected_grace"`
	IncludeLoopback   bool          `yaml:"include_loopback"`
}

type MediaConfig struct {
	// Synthetic replaces capture devices with a silent audio track.
	Synthetic bool `yaml:"synthetic"`
}

// Load reads path when it is not empty, applies the environment and
// validates the result.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("TELECALL_PARTY_ID", &c.PartyID)
	str("TELECALL_HTTP_ADDR", &c.HTTPAddr)
	str("TELECALL_RELAY_BACKEND", &c.Relay.Backend)
	str("TELECALL_RELAY_URL", &c.Relay.URL)
	str("TELECALL_RELAY_TOKEN", &c.Relay.Token)
	str("TELECALL_RELAY_SECRET", &c.Relay.Secret)
	str("TELECALL_REDIS_ADDR", &c.Relay.RedisAddr)
	str("TELECALL_DB_DRIVER", &c.Directory.Driver)
	str("TELECALL_DB_DSN", &c.Directory.DSN)

	if v, ok := lookup("TELECALL_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TELECALL_DEBUG must be a boolean, got %q", v)
		}
		c.Debug = b
	}
	return nil
}

// Validate fills defaults and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.PartyID == "" {
		errs = append(errs, errors.New("party_id is required"))
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8750"
	}

	if c.Relay.Backend == "" {
		c.Relay.Backend = RelayWS
	}
	switch c.Relay.Backend {
	case RelayWS:
		if c.Relay.URL == "" {
			errs = append(errs, errors.New("relay.url is required for the ws backend"))
		}
	case RelayRedis:
		if c.Relay.RedisAddr == "" {
			errs = append(errs, errors.New("relay.redis_addr is required for the redis backend"))
		}
	case RelayMemory:
	default:
		errs = append(errs, fmt.Errorf("relay.backend must be one of ws, redis, memory, got %q", c.Relay.Backend))
	}

	b := &c.Relay.Backoff
	defaultDuration(&b.Min, 500*time.Millisecond)
	defaultDuration(&b.Max, 10*time.Second)
	if b.Factor == 0 {
		b.Factor = 2
	}
	if b.Budget == 0 {
		b.Budget = 6
	}
	if b.Max < b.Min {
		errs = append(errs, errors.New("relay.backoff.max must not be below min"))
	}
	if b.Factor < 1 {
		errs = append(errs, fmt.Errorf("relay.backoff.factor must be at least 1, got %g", b.Factor))
	}
	if b.Budget < 0 {
		errs = append(errs, errors.New("relay.backoff.budget must be positive"))
	}

	if c.Directory.Driver == "" {
		c.Directory.Driver = DriverSQLite
	}
	switch c.Directory.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Directory.DSN == "" {
			c.Directory.DSN = "telecall.db"
		}
	case DriverPostgres:
		if c.Directory.DSN == "" {
			errs = append(errs, errors.New("directory.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.driver must be one of memory, postgres, sqlite, got %q", c.Directory.Driver))
	}

	cc := &c.Call
	defaultDuration(&cc.RingTimeout, 30*time.Second)
	defaultDuration(&cc.ConnectTimeout, 30*time.Second)
	defaultDuration(&cc.EndedGrace, 3*time.Second)
	defaultDuration(&cc.IncomingStaleness, 2*time.Second)
	defaultDuration(&cc.ProfileTimeout, 1500*time.Millisecond)
	defaultDuration(&cc.DirectoryTimeout, 5*time.Second)
	if cc.NegotiationTolerance == 0 {
		cc.NegotiationTolerance = 3
	}
	if cc.NegotiationTolerance < 0 {
		errs = append(errs, errors.New("call.negotiation_tolerance must be positive"))
	}

	defaultDuration(&c.ICE.DisconnectedGrace, 10*time.Second)
	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			errs = append(errs, fmt.Errorf("ice server %q must start with stun: or turn:", s))
		}
	}

	return errors.Join(errs...)
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
