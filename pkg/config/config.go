// Package config loads binary settings. Precedence, lowest first: built-in
// defaults, the YAML file named by -config (or TIMER_LINK_CONFIG), the
// environment (a local .env included), then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"timer-link/pkg/model"
	"timer-link/pkg/workout"
)

// Log holds logger settings shared by every binary.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Relay configures cmd/relay.
type Relay struct {
	Addr        string        `yaml:"addr"`
	Store       string        `yaml:"store"`
	SQLitePath  string        `yaml:"sqlitePath"`
	ConsulAddr  string        `yaml:"consulAddr"`
	Registry    string        `yaml:"registry"`
	AdminToken  string        `yaml:"adminToken"`
	JWTSecret   string        `yaml:"jwtSecret"`
	TokenTTL    time.Duration `yaml:"tokenTTL"`
	TLSCert     string        `yaml:"tlsCert"`
	TLSKey      string        `yaml:"tlsKey"`
	ClientCA    string        `yaml:"clientCA"`
	Log         Log           `yaml:"log"`
	ShowVersion bool          `yaml:"-"`
}

// Peer configures cmd/primary and cmd/companion.
type Peer struct {
	RelayURL      string         `yaml:"relay"`
	DeviceID      string         `yaml:"deviceId"`
	Secret        string         `yaml:"secret"`
	RetryDelay    time.Duration  `yaml:"retryDelay"`
	ProbeInterval time.Duration  `yaml:"probeInterval"`
	ProbeTimeout  time.Duration  `yaml:"probeTimeout"`
	StatusEvery   time.Duration  `yaml:"statusEvery"`
	AutoConnect   bool           `yaml:"autoConnect"`
	Synthetic     bool           `yaml:"synthetic"`
	Dedupe        bool           `yaml:"dedupe"`
	Seed          int64          `yaml:"seed"`
	Workout       workout.Config `yaml:"workout"`
	Log           Log            `yaml:"log"`
	ShowVersion   bool           `yaml:"-"`
}

func DefaultRelay() Relay {
	return Relay{
		Addr:       ":8080",
		Store:      "memory",
		SQLitePath: "./data/relay.db",
		ConsulAddr: "127.0.0.1:8500",
		Registry:   "memory",
		TokenTTL:   24 * time.Hour,
		Log:        Log{Level: "info"},
	}
}

func DefaultPeer() Peer {
	return Peer{
		RelayURL:      "http://127.0.0.1:8080",
		RetryDelay:    5 * time.Second,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  10 * time.Second,
		StatusEvery:   15 * time.Second,
		Workout: workout.Config{
			Mode:            model.ModeEMOM,
			TotalMinutes:    10,
			IntervalMinutes: 1,
			Countdown:       workout.DefaultCountdown,
		},
		Log: Log{Level: "info"},
	}
}

// LoadRelay resolves relay settings from args (without the program name).
func LoadRelay(args []string) (Relay, error) {
	cfg := DefaultRelay()
	if err := loadLayers(args, &cfg); err != nil {
		return Relay{}, err
	}
	cfg.applyEnv()

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.String("config", "", "YAML config file (env TIMER_LINK_CONFIG)")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print version and exit")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "mailbox backend: memory|sqlite|consul (consul requires build tag consul)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database path (when store=sqlite)")
	fs.StringVar(&cfg.ConsulAddr, "consul-addr", cfg.ConsulAddr, "consul address (when store=consul)")
	fs.StringVar(&cfg.Registry, "registry", cfg.Registry, "pairing registry: memory|mysql")
	fs.StringVar(&cfg.AdminToken, "token", cfg.AdminToken, "admin token for pairing endpoints (env ADMIN_TOKEN)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "device token signing secret (env JWT_SECRET)")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "device token lifetime")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS cert path (enables HTTPS if set with --tls-key)")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key path (enables HTTPS if set with --tls-cert)")
	fs.StringVar(&cfg.ClientCA, "client-ca", cfg.ClientCA, "require and verify client certs using this CA (optional)")
	cfg.Log.flags(fs)
	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}
	switch cfg.Store {
	case "memory", "sqlite", "consul":
	default:
		return Relay{}, fmt.Errorf("unsupported store type: %s", cfg.Store)
	}
	switch cfg.Registry {
	case "memory", "mysql":
	default:
		return Relay{}, fmt.Errorf("unsupported registry: %s", cfg.Registry)
	}
	return cfg, nil
}

// LoadPeer resolves peer settings for the named binary.
func LoadPeer(name string, args []string) (Peer, error) {
	cfg := DefaultPeer()
	if err := loadLayers(args, &cfg); err != nil {
		return Peer{}, err
	}
	cfg.applyEnv()

	exercises := strings.Join(cfg.Workout.Exercises, ",")
	mode := string(cfg.Workout.Mode)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML config file (env TIMER_LINK_CONFIG)")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print version and exit")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay base URL (env RELAY_URL)")
	fs.StringVar(&cfg.DeviceID, "id", cfg.DeviceID, "device id (env DEVICE_ID)")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "pairing secret (env DEVICE_SECRET)")
	fs.DurationVar(&cfg.RetryDelay, "retry", cfg.RetryDelay, "delay between relay reconnects")
	fs.DurationVar(&cfg.StatusEvery, "status-interval", cfg.StatusEvery, "if >0, log a status line this often")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "if >0, probe the companion this often")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "liveness probe timeout")
	fs.BoolVar(&cfg.AutoConnect, "auto-connect", cfg.AutoConnect, "start heart-rate collection once the companion is reachable")
	fs.BoolVar(&cfg.Synthetic, "synthetic", cfg.Synthetic, "generate heart-rate samples locally")
	fs.BoolVar(&cfg.Dedupe, "dedupe", cfg.Dedupe, "omit an unchanged exercise from running timer states")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed for synthetic samples (0 uses the clock)")
	fs.StringVar(&mode, "mode", mode, "workout mode: EMOM|AMRAP|FOR TIME")
	fs.IntVar(&cfg.Workout.TotalMinutes, "minutes", cfg.Workout.TotalMinutes, "workout length in minutes")
	fs.IntVar(&cfg.Workout.IntervalMinutes, "interval", cfg.Workout.IntervalMinutes, "EMOM interval in minutes")
	fs.IntVar(&cfg.Workout.Countdown, "countdown", cfg.Workout.Countdown, "countdown seconds before the workout")
	fs.StringVar(&exercises, "exercises", exercises, "comma separated exercises rotated each EMOM interval")
	cfg.Log.flags(fs)
	if err := fs.Parse(args); err != nil {
		return Peer{}, err
	}
	cfg.Workout.Mode = model.Mode(mode)
	cfg.Workout.Exercises = workout.ParseExercises(exercises)
	return cfg, nil
}

func (l *Log) flags(fs *flag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", l.Level, "log level: trace|debug|info|warn|error")
	fs.BoolVar(&l.JSON, "log-json", l.JSON, "emit JSON logs")
}

func (r *Relay) applyEnv() {
	r.Addr = getenv("RELAY_ADDR", r.Addr)
	r.Store = getenv("RELAY_STORE", r.Store)
	r.SQLitePath = getenv("RELAY_SQLITE_PATH", r.SQLitePath)
	r.ConsulAddr = getenv("CONSUL_ADDR", r.ConsulAddr)
	r.Registry = getenv("RELAY_REGISTRY", r.Registry)
	r.AdminToken = getenv("ADMIN_TOKEN", r.AdminToken)
	r.JWTSecret = getenv("JWT_SECRET", r.JWTSecret)
	r.TokenTTL = getenvDuration("TOKEN_TTL", r.TokenTTL)
	r.TLSCert = getenv("TLS_CERT", r.TLSCert)
	r.TLSKey = getenv("TLS_KEY", r.TLSKey)
	r.ClientCA = getenv("CLIENT_CA", r.ClientCA)
	r.Log.applyEnv()
}

func (p *Peer) applyEnv() {
	p.RelayURL = getenv("RELAY_URL", p.RelayURL)
	p.DeviceID = getenv("DEVICE_ID", p.DeviceID)
	p.Secret = getenv("DEVICE_SECRET", p.Secret)
	p.ProbeInterval = getenvDuration("PROBE_INTERVAL", p.ProbeInterval)
	p.ProbeTimeout = getenvDuration("PROBE_TIMEOUT", p.ProbeTimeout)
	p.AutoConnect = getenvBool("AUTO_CONNECT", p.AutoConnect)
	p.Synthetic = getenvBool("SYNTHETIC", p.Synthetic)
	p.Log.applyEnv()
}

func (l *Log) applyEnv() {
	l.Level = getenv("LOG_LEVEL", l.Level)
	l.JSON = getenvBool("LOG_JSON", l.JSON)
}

// loadLayers reads .env and then the YAML file, if any.
func loadLayers(args []string, dst interface{}) error {
	if err := loadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	path := configPath(args)
	if path == "" {
		return nil
	}
	return LoadFile(path, dst)
}

// LoadFile decodes a YAML file over dst.
func LoadFile(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// configPath finds -config before the flag set exists.
func configPath(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("TIMER_LINK_CONFIG")
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
