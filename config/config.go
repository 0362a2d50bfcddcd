package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Pipeline struct {
	Name      string `yaml:"name" mapstructure:"name"`
	Version   string `yaml:"version" mapstructure:"version"`
	LogLvl    string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"` // text, json
}

type Stream struct {
	FPS        int `yaml:"fps" mapstructure:"fps"`
	WindowSize int `yaml:"window_size" mapstructure:"window_size"`
	Stride     int `yaml:"stride" mapstructure:"stride"`
	// Backlog is how many complete windows may wait for the classifier.
	Backlog int `yaml:"backlog" mapstructure:"backlog"`
}

type Classifier struct {
	Kind          string   `yaml:"kind" mapstructure:"kind"` // http, process
	URL           string   `yaml:"url" mapstructure:"url"`
	Command       string   `yaml:"command" mapstructure:"command"`
	Args          []string `yaml:"args" mapstructure:"args"`
	TimeoutMS     int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	PresenceRatio float64  `yaml:"presence_ratio" mapstructure:"presence_ratio"`
	MinConfidence float64  `yaml:"min_confidence" mapstructure:"min_confidence"`
	Labels        []string `yaml:"labels" mapstructure:"labels"`
}

type Session struct {
	TickMS       int    `yaml:"tick_ms" mapstructure:"tick_ms"`
	Workout      string `yaml:"workout" mapstructure:"workout"`
	WorkoutsFile string `yaml:"workouts_file" mapstructure:"workouts_file"`
}

type MQTT struct {
	Broker      string          `yaml:"broker" mapstructure:"broker"`
	ClientID    string          `yaml:"client_id" mapstructure:"client_id"`
	TopicPrefix string          `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         map[string]byte `yaml:"qos" mapstructure:"qos"`
}

type Report struct {
	Enabled  bool `yaml:"enabled" mapstructure:"enabled"`
	Timeline bool `yaml:"timeline" mapstructure:"timeline"`
}

type Root struct {
	Pipeline   Pipeline   `yaml:"pipeline" mapstructure:"pipeline"`
	Stream     Stream     `yaml:"stream" mapstructure:"stream"`
	Classifier Classifier `yaml:"classifier" mapstructure:"classifier"`
	Session    Session    `yaml:"session" mapstructure:"session"`
	MQTT       MQTT       `yaml:"mqtt" mapstructure:"mqtt"`
	Paths      struct {
		Outputs string `yaml:"outputs" mapstructure:"outputs"`
	} `yaml:"paths" mapstructure:"paths"`
	Report Report `yaml:"report" mapstructure:"report"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.name", "workout-coach")
	v.SetDefault("pipeline.version", "dev")
	v.SetDefault("pipeline.log_level", "info")
	v.SetDefault("pipeline.log_format", "text")

	v.SetDefault("stream.fps", 30)
	v.SetDefault("stream.window_size", 60)
	v.SetDefault("stream.stride", 10)
	v.SetDefault("stream.backlog", 8)

	v.SetDefault("classifier.kind", "http")
	v.SetDefault("classifier.url", "")
	v.SetDefault("classifier.command", "")
	v.SetDefault("classifier.args", []string{})
	v.SetDefault("classifier.timeout_ms", 2000)
	v.SetDefault("classifier.presence_ratio", 0.6)
	v.SetDefault("classifier.min_confidence", 0.6)
	v.SetDefault("classifier.labels", []string{})

	v.SetDefault("session.tick_ms", 1000)
	v.SetDefault("session.workout", "thirty-seconds")
	v.SetDefault("session.workouts_file", "")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "workout-coach")
	v.SetDefault("mqtt.topic_prefix", "coach")

	v.SetDefault("paths.outputs", "outputs")
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.timeline", true)
}

// guess lists the config locations tried when no path is given.
func guess() []string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return []string{
		filepath.Join("config", env, "config.yaml"),
		filepath.Join("src", "shared", "config.yaml"),
	}
}

// Load reads configuration from path, or from the first existing default
// location, then COACH_* environment overrides. A missing file is fine when
// no path was given: defaults and environment still apply.
func Load(path string) (*Root, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller-supplied viper, so flags bound to v take
// part in resolution.
func LoadViper(v *viper.Viper, path string) (*Root, error) {
	// .env is optional
	_ = godotenv.Load()

	setDefaults(v)
	v.SetEnvPrefix("COACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		for _, p := range guess() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and fills derived defaults.
func Validate(c *Root) error {
	if c.Stream.FPS <= 0 {
		return fmt.Errorf("%w: stream.fps must be > 0", ErrInvalid)
	}
	if c.Stream.WindowSize <= 0 {
		return fmt.Errorf("%w: stream.window_size must be > 0", ErrInvalid)
	}
	if c.Stream.Stride <= 0 || c.Stream.Stride > c.Stream.WindowSize {
		return fmt.Errorf("%w: stream.stride must be in [1, window_size]", ErrInvalid)
	}
	if c.Stream.Backlog <= 0 {
		c.Stream.Backlog = 8
	}

	switch c.Classifier.Kind {
	case "http":
		if c.Classifier.URL == "" {
			return fmt.Errorf("%w: classifier.url is required for kind http", ErrInvalid)
		}
	case "process":
		if c.Classifier.Command == "" {
			return fmt.Errorf("%w: classifier.command is required for kind process", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: classifier.kind must be http or process, got %q", ErrInvalid, c.Classifier.Kind)
	}
	if c.Classifier.PresenceRatio <= 0 || c.Classifier.PresenceRatio > 1 {
		return fmt.Errorf("%w: classifier.presence_ratio must be in (0, 1]", ErrInvalid)
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("%w: classifier.min_confidence must be in [0, 1]", ErrInvalid)
	}

	if c.Session.TickMS <= 0 {
		return fmt.Errorf("%w: session.tick_ms must be > 0", ErrInvalid)
	}
	if c.Session.Workout == "" {
		return fmt.Errorf("%w: session.workout is required", ErrInvalid)
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "coach"
	}
	if c.MQTT.QoS == nil {
		c.MQTT.QoS = map[string]byte{
			"prediction": 0,
			"progress":   0,
			"cue":        1,
			"phase":      1,
			"summary":    1,
			"error":      1,
			"control":    1,
		}
	}
	return nil
}

func DurMillis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Root) TickInterval() time.Duration      { return DurMillis(c.Session.TickMS) }
func (c *Root) ClassifierTimeout() time.Duration { return DurMillis(c.Classifier.TimeoutMS) }
