// Package config loads the fieldtrack daemon configuration from a UCI style
// file or a YAML document.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/config/fieldtrack"

// Default values
const (
	DefaultGracePeriod       = 3 * time.Second
	DefaultLivenessTimeout   = 2 * time.Second
	DefaultSubmitTimeout     = 10 * time.Second
	DefaultDrainInterval     = 60 * time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultPrimaryCeiling    = 100
	DefaultFallbackCeiling   = 50
	DefaultDataDir           = "/var/lib/fieldtrack"
	DefaultRunDir            = "/var/run/fieldtrack"
	DefaultListen            = "127.0.0.1:8686"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`

	Tracker       TrackerConfig       `json:"tracker" yaml:"tracker"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Session       SessionConfig       `json:"session" yaml:"session"`
	MQTT          MQTTConfig          `json:"mqtt" yaml:"mqtt"`
	Fix           FixConfig           `json:"fix" yaml:"fix"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	API           APIConfig           `json:"api" yaml:"api"`
}

// TrackerConfig holds coordinator and worker timings.
type TrackerConfig struct {
	GracePeriod          time.Duration `json:"grace_period" yaml:"grace_period" validate:"gt=0"`
	LivenessTimeout      time.Duration `json:"liveness_timeout" yaml:"liveness_timeout" validate:"gt=0"`
	SubmitTimeout        time.Duration `json:"submit_timeout" yaml:"submit_timeout" validate:"gt=0"`
	DrainInterval        time.Duration `json:"drain_interval" yaml:"drain_interval" validate:"gt=0"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
	PrimaryCeiling       int           `json:"primary_ceiling" yaml:"primary_ceiling" validate:"min=1,max=10000"`
	FallbackCeiling      int           `json:"fallback_ceiling" yaml:"fallback_ceiling" validate:"min=1,max=10000"`
	DistanceFilterMeters float64       `json:"distance_filter_m" yaml:"distance_filter_m" validate:"gte=0"`
	Accuracy             string        `json:"accuracy" yaml:"accuracy" validate:"oneof=high balanced low"`
	PIDFile              string        `json:"pid_file" yaml:"pid_file" validate:"required"`
	WorkerPIDFile        string        `json:"worker_pid_file" yaml:"worker_pid_file" validate:"required"`
	HeartbeatFile        string        `json:"heartbeat_file" yaml:"heartbeat_file" validate:"required"`
}

// StorageConfig selects the queue persistence backend.
type StorageConfig struct {
	Backend   string `json:"backend" yaml:"backend" validate:"oneof=bolt redis sqlite memory"`
	Path      string `json:"path" yaml:"path" validate:"required_if=Backend bolt,required_if=Backend sqlite"`
	RedisAddr string `json:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `json:"redis_db" yaml:"redis_db" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SessionConfig selects how samples reach the backend.
type SessionConfig struct {
	Transport string `json:"transport" yaml:"transport" validate:"oneof=http mqtt log"`
	BaseURL   string `json:"base_url" yaml:"base_url" validate:"required_if=Transport http,omitempty,url"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	Token     string `json:"token" yaml:"token"`
	DeviceID  string `json:"device_id" yaml:"device_id"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker      string `json:"broker" yaml:"broker" validate:"required"`
	Port        int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix" validate:"required"`
	QoS         int    `json:"qos" yaml:"qos" validate:"min=0,max=2"`
	Retain      bool   `json:"retain" yaml:"retain"`
}

// FixConfig selects where location fixes come from.
type FixConfig struct {
	Source       string        `json:"source" yaml:"source" validate:"oneof=nmea geolocation"`
	Device       string        `json:"device" yaml:"device" validate:"required_if=Source nmea"`
	Baud         int           `json:"baud" yaml:"baud" validate:"min=1200"`
	APIKey       string        `json:"api_key" yaml:"api_key" validate:"required_if=Source geolocation"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// TelemetryConfig locates the battery and signal providers.
type TelemetryConfig struct {
	PowerSupplyPath string `json:"power_supply_path" yaml:"power_supply_path"`
	// ModemIndex < 0 selects the clock based signal simulation.
	ModemIndex int `json:"modem_index" yaml:"modem_index" validate:"gte=-1"`
}

// NotificationsConfig enables the optional notifiers.
type NotificationsConfig struct {
	Pushover PushoverConfig `json:"pushover" yaml:"pushover"`
	Webhook  WebhookConfig  `json:"webhook" yaml:"webhook"`
}

// PushoverConfig holds Pushover credentials.
type PushoverConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Token    string `json:"token" yaml:"token" validate:"required_if=Enabled true"`
	User     string `json:"user" yaml:"user" validate:"required_if=Enabled true"`
	Device   string `json:"device" yaml:"device"`
	Priority int    `json:"priority" yaml:"priority" validate:"min=-2,max=2"`
}

// WebhookConfig holds the status webhook target.
type WebhookConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	URL           string            `json:"url" yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Headers       map[string]string `json:"headers" yaml:"headers"`
	RetryAttempts int               `json:"retry_attempts" yaml:"retry_attempts" validate:"gte=0,lte=10"`
	RetryDelay    time.Duration     `json:"retry_delay" yaml:"retry_delay" validate:"gte=0"`
	Timeout       time.Duration     `json:"timeout" yaml:"timeout" validate:"gt=0"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
	AuthKey string `json:"auth_key" yaml:"auth_key"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads path and validates the result. A missing file yields the
// defaults unvalidated. Files ending in .yaml or .yml are YAML, anything
// else is UCI.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := cfg.parseUCI(string(data)); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.LogLevel = "info"

	c.Tracker = TrackerConfig{
		GracePeriod:       DefaultGracePeriod,
		LivenessTimeout:   DefaultLivenessTimeout,
		SubmitTimeout:     DefaultSubmitTimeout,
		DrainInterval:     DefaultDrainInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PrimaryCeiling:    DefaultPrimaryCeiling,
		FallbackCeiling:   DefaultFallbackCeiling,
		Accuracy:          "high",
		PIDFile:           filepath.Join(DefaultRunDir, "trackd.pid"),
		WorkerPIDFile:     filepath.Join(DefaultRunDir, "primary.pid"),
		HeartbeatFile:     filepath.Join(DefaultRunDir, "primary.health"),
	}
	c.Storage = StorageConfig{
		Backend:   "bolt",
		Path:      filepath.Join(DefaultDataDir, "queue.db"),
		RedisAddr: "localhost:6379",
		KeyPrefix: "fieldtrack",
	}
	c.Session = SessionConfig{Transport: "http"}
	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "fieldtrack",
		TopicPrefix: "fleet",
		QoS:         1,
	}
	c.Fix = FixConfig{
		Source:       "nmea",
		Device:       "/dev/ttyUSB0",
		Baud:         9600,
		PollInterval: 30 * time.Second,
	}
	c.Telemetry = TelemetryConfig{
		PowerSupplyPath: "/sys/class/power_supply",
		ModemIndex:      -1,
	}
	c.Notifications.Webhook = WebhookConfig{
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
		Timeout:       10 * time.Second,
	}
	c.API = APIConfig{Enabled: true, Listen: DefaultListen}
}

var validate = validator.New()

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// ResolveDeviceID returns the configured device id, or the one persisted in
// dir, or a freshly generated UUID that is then written to dir.
func (c *Config) ResolveDeviceID(dir string) (string, error) {
	if c.Session.DeviceID != "" {
		return c.Session.DeviceID, nil
	}

	path := filepath.Join(dir, "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Session.DeviceID = id
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	c.Session.DeviceID = id
	return id, nil
}

// parseUCI parses `config <type> '<name>'` sections with `option` and `list`
// lines.
func (c *Config) parseUCI(data string) error {
	var section string
	for n, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "config":
			if len(fields) < 2 {
				return fmt.Errorf("line %d: section without type", n+1)
			}
			section = fields[1]
		case "option", "list":
			if len(fields) < 3 {
				return fmt.Errorf("line %d: %s without value", n+1, fields[0])
			}
			key := fields[1]
			rest := strings.TrimSpace(line[len(fields[0]):])
			value := unquote(strings.TrimSpace(rest[len(key):]))
			if err := c.parseOption(section, key, value); err != nil {
				return fmt.Errorf("line %d: %s.%s: %w", n+1, section, key, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected %q", n+1, fields[0])
		}
	}
	return nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// parseOption routes an option to its section
func (c *Config) parseOption(section, key, value string) error {
	switch section {
	case "fieldtrack", "main", "":
		return c.parseMainOption(key, value)
	case "tracker":
		return c.parseTrackerOption(key, value)
	case "storage":
		return c.parseStorageOption(key, value)
	case "session":
		return c.parseSessionOption(key, value)
	case "mqtt":
		return c.parseMQTTOption(key, value)
	case "fix":
		return c.parseFixOption(key, value)
	case "telemetry":
		return c.parseTelemetryOption(key, value)
	case "pushover":
		return c.parsePushoverOption(key, value)
	case "webhook":
		return c.parseWebhookOption(key, value)
	case "api":
		return c.parseAPIOption(key, value)
	}
	return fmt.Errorf("unknown section %q", section)
}

func (c *Config) parseMainOption(key, value string) error {
	switch key {
	case "log_level":
		c.LogLevel = value
	default:
		return errUnknownOption
	}
	return nil
}

func (c *Config) parseTrackerOption(key, value string) error {
	t := &c.Tracker
	var err error
	switch key {
	case "grace_period":
		t.GracePeriod, err = parseDuration(value)
	case "liveness_timeout":
		t.LivenessTimeout, err = parseDuration(value)
	case "submit_timeout":
		t.SubmitTimeout, err = parseDuration(value)
	case "drain_interval":
		t.DrainInterval, err = parseDuration(value)
	case "heartbeat_interval":
		t.HeartbeatInterval, err = parseDuration(value)
	case "primary_ceiling":
		t.PrimaryCeiling, err = strconv.Atoi(value)
	case "fallback_ceiling":
		t.FallbackCeiling, err = strconv.Atoi(value)
	case "distance_filter_m":
		t.DistanceFilterMeters, err = strconv.ParseFloat(value, 64)
	case "accuracy":
		t.Accuracy = value
	case "pid_file":
		t.PIDFile = value
	case "worker_pid_file":
		t.WorkerPIDFile = value
	case "heartbeat_file":
		t.HeartbeatFile = value
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseStorageOption(key, value string) error {
	s := &c.Storage
	var err error
	switch key {
	case "backend":
		s.Backend = value
	case "path":
		s.Path = value
	case "redis_addr":
		s.RedisAddr = value
	case "redis_db":
		s.RedisDB, err = strconv.Atoi(value)
	case "key_prefix":
		s.KeyPrefix = value
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseSessionOption(key, value string) error {
	s := &c.Session
	switch key {
	case "transport":
		s.Transport = value
	case "base_url":
		s.BaseURL = value
	case "username":
		s.Username = value
	case "password":
		s.Password = value
	case "token":
		s.Token = value
	case "device_id":
		s.DeviceID = value
	default:
		return errUnknownOption
	}
	return nil
}

func (c *Config) parseMQTTOption(key, value string) error {
	m := &c.MQTT
	var err error
	switch key {
	case "broker":
		m.Broker = value
	case "port":
		m.Port, err = strconv.Atoi(value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		m.QoS, err = strconv.Atoi(value)
	case "retain":
		m.Retain = parseBool(value)
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseFixOption(key, value string) error {
	f := &c.Fix
	var err error
	switch key {
	case "source":
		f.Source = value
	case "device":
		f.Device = value
	case "baud":
		f.Baud, err = strconv.Atoi(value)
	case "api_key":
		f.APIKey = value
	case "poll_interval":
		f.PollInterval, err = parseDuration(value)
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseTelemetryOption(key, value string) error {
	var err error
	switch key {
	case "power_supply_path":
		c.Telemetry.PowerSupplyPath = value
	case "modem_index":
		c.Telemetry.ModemIndex, err = strconv.Atoi(value)
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parsePushoverOption(key, value string) error {
	p := &c.Notifications.Pushover
	var err error
	switch key {
	case "enabled":
		p.Enabled = parseBool(value)
	case "token":
		p.Token = value
	case "user":
		p.User = value
	case "device":
		p.Device = value
	case "priority":
		p.Priority, err = strconv.Atoi(value)
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseWebhookOption(key, value string) error {
	w := &c.Notifications.Webhook
	var err error
	switch key {
	case "enabled":
		w.Enabled = parseBool(value)
	case "url":
		w.URL = value
	case "header":
		name, v, ok := strings.Cut(value, ":")
		if !ok {
			return fmt.Errorf("header %q is not 'Name: value'", value)
		}
		if w.Headers == nil {
			w.Headers = make(map[string]string)
		}
		w.Headers[strings.TrimSpace(name)] = strings.TrimSpace(v)
	case "retry_attempts":
		w.RetryAttempts, err = strconv.Atoi(value)
	case "retry_delay":
		w.RetryDelay, err = parseDuration(value)
	case "timeout":
		w.Timeout, err = parseDuration(value)
	default:
		return errUnknownOption
	}
	return err
}

func (c *Config) parseAPIOption(key, value string) error {
	switch key {
	case "enabled":
		c.API.Enabled = parseBool(value)
	case "listen":
		c.API.Listen = value
	case "auth_key":
		c.API.AuthKey = value
	default:
		return errUnknownOption
	}
	return nil
}

var errUnknownOption = errors.New("unknown option")

// parseBool accepts the UCI spellings of true.
func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

// parseDuration accepts Go durations or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
