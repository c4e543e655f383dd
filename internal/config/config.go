package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/tank-level-service/internal/validation"
)

// DefaultThingSpeakURL is the public ThingSpeak API host.
const DefaultThingSpeakURL = "https://api.thingspeak.com"

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	ThingSpeakURL     string
	ThingSpeakAPIKey  string
	ThingSpeakTimeout time.Duration
	APIKeyInQuery     bool

	Tanks []TankConfig

	RefreshInterval time.Duration
	TickInterval    time.Duration

	Wave WaveConfig

	RequestTimeout  time.Duration
	CacheTTL        time.Duration
	CacheBackend    string // "in_memory", "memcached" or "none"
	CoalesceTimeout time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RateLimitRPS   int
	RateLimitBurst int
	OverloadWindow time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	MQTT  MQTTConfig
	Kafka KafkaConfig

	ShutdownTimeout time.Duration
	// ShutdownInFlightTimeout bounds the wait for in-flight HTTP requests after Shutdown.
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

// TankConfig is one widget instance bound to a ThingSpeak channel field.
type TankConfig struct {
	ID        string
	Name      string
	ChannelID int64
	Field     int
	APIKey    string
}

// WaveConfig shapes the animated surface and the slosh transient.
type WaveConfig struct {
	Enabled               bool
	Width                 float64
	Samples               int
	Amplitude             float64
	Wavelength            float64
	Period                time.Duration
	SloshAmplitudeFactor  float64
	SloshWavelengthFactor float64
	SloshDuration         time.Duration
	// FrameInterval is the redraw period of the animated surface.
	FrameInterval time.Duration
}

// MQTTConfig enables publishing render state to a broker.
type MQTTConfig struct {
	Enabled        bool
	Broker         string
	ClientID       string
	TopicPrefix    string
	Username       string
	Password       string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
}

// KafkaConfig enables writing readings to a topic.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	ThingSpeak struct {
		URL           string `yaml:"url"`
		Timeout       string `yaml:"timeout"`
		APIKeyInQuery bool   `yaml:"api_key_in_query"`
		ChannelID     int64  `yaml:"channel_id"`
		Field         int    `yaml:"field"`
	} `yaml:"thingspeak"`

	Tanks []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		ChannelID int64  `yaml:"channel_id"`
		Field     int    `yaml:"field"`
	} `yaml:"tanks"`

	Polling struct {
		RefreshInterval string `yaml:"refresh_interval"`
		TickInterval    string `yaml:"tick_interval"`
	} `yaml:"polling"`

	Render struct {
		Wave struct {
			Enabled               *bool    `yaml:"enabled"`
			Width                 float64  `yaml:"width"`
			Samples               int      `yaml:"samples"`
			Amplitude             *float64 `yaml:"amplitude"`
			Wavelength            float64  `yaml:"wavelength"`
			Period                string   `yaml:"period"`
			SloshAmplitudeFactor  float64  `yaml:"slosh_amplitude_factor"`
			SloshWavelengthFactor float64  `yaml:"slosh_wavelength_factor"`
			SloshDuration         string   `yaml:"slosh_duration"`
			FrameInterval         string   `yaml:"frame_interval"`
		} `yaml:"wave"`
	} `yaml:"render"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
		OverloadWindow string `yaml:"overload_window"`
	} `yaml:"reliability"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		Broker         string `yaml:"broker"`
		ClientID       string `yaml:"client_id"`
		TopicPrefix    string `yaml:"topic_prefix"`
		Username       string `yaml:"username"`
		QoS            int    `yaml:"qos"`
		Retained       *bool  `yaml:"retained"`
		ConnectTimeout string `yaml:"connect_timeout"`
	} `yaml:"mqtt"`

	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		WriteTimeout string   `yaml:"write_timeout"`
	} `yaml:"kafka"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	ThingSpeakAPIKey string            `yaml:"thingspeak_api_key"`
	TankAPIKeys      map[string]string `yaml:"tank_api_keys"`
	MQTTPassword     string            `yaml:"mqtt_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The read key comes from THINGSPEAK_API_KEY env or the secrets file and may be
// empty for public channels. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(os.Getenv("SERVER_PORT"))
	if cfg.ServerPort == "" {
		cfg.ServerPort = fc.Server.Port
	}
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.ThingSpeakAPIKey = os.Getenv("THINGSPEAK_API_KEY")
	if cfg.ThingSpeakAPIKey == "" {
		cfg.ThingSpeakAPIKey = sec.ThingSpeakAPIKey
	}
	cfg.ThingSpeakURL = strings.TrimSpace(fc.ThingSpeak.URL)
	if cfg.ThingSpeakURL == "" {
		cfg.ThingSpeakURL = DefaultThingSpeakURL
	}
	cfg.ThingSpeakTimeout = parseDurationOrZero(fc.ThingSpeak.Timeout, 5*time.Second)
	cfg.APIKeyInQuery = fc.ThingSpeak.APIKeyInQuery

	for _, t := range fc.Tanks {
		cfg.Tanks = append(cfg.Tanks, TankConfig{
			ID:        strings.TrimSpace(t.ID),
			Name:      strings.TrimSpace(t.Name),
			ChannelID: t.ChannelID,
			Field:     t.Field,
			APIKey:    sec.TankAPIKeys[strings.TrimSpace(t.ID)],
		})
	}
	if len(cfg.Tanks) == 0 && fc.ThingSpeak.ChannelID != 0 {
		field := fc.ThingSpeak.Field
		if field == 0 {
			field = 1
		}
		cfg.Tanks = []TankConfig{{ID: "default", Name: "Water Tank", ChannelID: fc.ThingSpeak.ChannelID, Field: field}}
	}
	for i := range cfg.Tanks {
		if cfg.Tanks[i].Field == 0 {
			cfg.Tanks[i].Field = 1
		}
		if cfg.Tanks[i].Name == "" {
			cfg.Tanks[i].Name = cfg.Tanks[i].ID
		}
	}

	cfg.RefreshInterval = parseDuration(fc.Polling.RefreshInterval, 15*time.Second)
	cfg.TickInterval = parseDuration(fc.Polling.TickInterval, time.Second)

	w := fc.Render.Wave
	cfg.Wave = WaveConfig{
		Enabled:               w.Enabled == nil || *w.Enabled,
		Width:                 w.Width,
		Samples:               w.Samples,
		Amplitude:             2,
		Wavelength:            w.Wavelength,
		Period:                parseDuration(w.Period, 2*time.Second),
		SloshAmplitudeFactor:  w.SloshAmplitudeFactor,
		SloshWavelengthFactor: w.SloshWavelengthFactor,
		SloshDuration:         parseDuration(w.SloshDuration, 3*time.Second),
		FrameInterval:         parseDuration(w.FrameInterval, 100*time.Millisecond),
	}
	if w.Amplitude != nil {
		cfg.Wave.Amplitude = *w.Amplitude
	}
	if cfg.Wave.Width <= 0 {
		cfg.Wave.Width = 200
	}
	if cfg.Wave.Samples <= 0 {
		cfg.Wave.Samples = 40
	}
	if cfg.Wave.Wavelength <= 0 {
		cfg.Wave.Wavelength = 100
	}
	if cfg.Wave.SloshAmplitudeFactor <= 0 {
		cfg.Wave.SloshAmplitudeFactor = 3
	}
	if cfg.Wave.SloshWavelengthFactor <= 0 {
		cfg.Wave.SloshWavelengthFactor = 0.5
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, 5*time.Second)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 10*time.Second)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	cfg.OverloadWindow = parseDuration(fc.Reliability.OverloadWindow, 60*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	m := fc.MQTT
	cfg.MQTT = MQTTConfig{
		Enabled:        m.Enabled,
		Broker:         strings.TrimSpace(m.Broker),
		ClientID:       strings.TrimSpace(m.ClientID),
		TopicPrefix:    strings.Trim(strings.TrimSpace(m.TopicPrefix), "/"),
		Username:       m.Username,
		Password:       os.Getenv("MQTT_PASSWORD"),
		QoS:            byte(m.QoS),
		Retained:       m.Retained == nil || *m.Retained,
		ConnectTimeout: parseDuration(m.ConnectTimeout, 5*time.Second),
	}
	if cfg.MQTT.Password == "" {
		cfg.MQTT.Password = sec.MQTTPassword
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "tank-level-service"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tanks"
	}

	k := fc.Kafka
	cfg.Kafka = KafkaConfig{
		Enabled:      k.Enabled,
		Topic:        strings.TrimSpace(k.Topic),
		WriteTimeout: parseDuration(k.WriteTimeout, 5*time.Second),
	}
	for _, b := range k.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
		}
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 15*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 5*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. It auto-adjusts the cache TTL to stay
// below the refresh interval so the cache only de-duplicates reads.
func validate(cfg *Config) error {
	if len(cfg.Tanks) == 0 {
		return fmt.Errorf("at least one tank required (tanks[] or thingspeak.channel_id)")
	}
	seen := make(map[string]bool, len(cfg.Tanks))
	for i, t := range cfg.Tanks {
		id, err := validation.ValidateTankID(t.ID)
		if err != nil {
			return fmt.Errorf("tanks[%d].id %q: %w", i, t.ID, err)
		}
		if seen[id] {
			return fmt.Errorf("tanks[%d].id %q: duplicate", i, id)
		}
		seen[id] = true
		if err := validation.ValidateSource(t.ChannelID, t.Field); err != nil {
			return fmt.Errorf("tanks[%d] %s: %w", i, id, err)
		}
	}
	if cfg.ThingSpeakTimeout <= 0 {
		return fmt.Errorf("thingspeak.timeout must be positive")
	}
	if cfg.RefreshInterval < time.Second || cfg.RefreshInterval > 10*time.Minute {
		return fmt.Errorf("polling.refresh_interval must be between 1s and 10m, got %s", cfg.RefreshInterval)
	}
	if cfg.TickInterval > cfg.RefreshInterval {
		return fmt.Errorf("polling.tick_interval %s exceeds refresh_interval %s", cfg.TickInterval, cfg.RefreshInterval)
	}
	if cfg.CacheTTL >= cfg.RefreshInterval {
		cfg.CacheTTL = cfg.RefreshInterval / 2
	}
	if cfg.RequestTimeout <= cfg.ThingSpeakTimeout {
		cfg.RequestTimeout = cfg.ThingSpeakTimeout + time.Second
	}
	if err := validateWave(cfg.Wave); err != nil {
		return err
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "none":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or none, got %q", cfg.CacheBackend)
	}
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker required when mqtt.enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic required when kafka.enabled")
	}
	return nil
}

// minFramesPerPeriod keeps the redraw rate well above the wave frequency.
// At two frames per period the surface only flips between mirror images.
const minFramesPerPeriod = 4

func validateWave(w WaveConfig) error {
	if w.Amplitude < 0 {
		return fmt.Errorf("render.wave.amplitude must not be negative, got %g", w.Amplitude)
	}
	if !w.Enabled {
		return nil
	}
	if w.Period < minFramesPerPeriod*w.FrameInterval {
		return fmt.Errorf("render.wave.period %s must span at least %d frames of %s", w.Period, minFramesPerPeriod, w.FrameInterval)
	}
	slosh := time.Duration(float64(w.Period) * w.SloshWavelengthFactor)
	if slosh < minFramesPerPeriod*w.FrameInterval {
		return fmt.Errorf("render.wave slosh period %s (period x slosh_wavelength_factor) must span at least %d frames of %s", slosh, minFramesPerPeriod, w.FrameInterval)
	}
	return nil
}
