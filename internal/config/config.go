package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Granularity modes for splitting splittable tasks.
const (
	GranularityNone         = "none"
	GranularityComputeUnits = "compute-units"
	GranularityDouble       = "double"
)

// Config represents the complete configuration of the engine.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CoordinatorConfig holds scheduler and listener configuration.
type CoordinatorConfig struct {
	// Listen lists the addresses remote workers connect to, one client per address.
	Listen []string `yaml:"listen" env:"CIPP_COORDINATOR_LISTEN"`
	// Granularity is one of none, compute-units, double.
	Granularity string `yaml:"granularity" env:"CIPP_COORDINATOR_GRANULARITY"`
	// ComputeUnits overrides the detected CPU count when positive.
	ComputeUnits int `yaml:"compute_units" env:"CIPP_COORDINATOR_COMPUTE_UNITS"`
	// LocalWorkers is the size of the local pool, 0 means one per compute unit.
	LocalWorkers int `yaml:"local_workers" env:"CIPP_COORDINATOR_LOCAL_WORKERS"`
	// CountRemoteWorkers adds connected remote workers to the compute units.
	CountRemoteWorkers bool `yaml:"count_remote_workers" env:"CIPP_COORDINATOR_COUNT_REMOTE_WORKERS"`
	// StopTimeout bounds how long stopping waits for local workers.
	StopTimeout time.Duration `yaml:"stop_timeout" env:"CIPP_COORDINATOR_STOP_TIMEOUT"`
}

// WorkerConfig holds remote worker process configuration.
type WorkerConfig struct {
	Name              string        `yaml:"name" env:"CIPP_WORKER_NAME"`
	CoordinatorAddr   string        `yaml:"coordinator_addr" env:"CIPP_WORKER_COORDINATOR_ADDR"`
	Slots             int           `yaml:"slots" env:"CIPP_WORKER_SLOTS"`
	DialTimeout       time.Duration `yaml:"dial_timeout" env:"CIPP_WORKER_DIAL_TIMEOUT"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"CIPP_WORKER_RECONNECT_INTERVAL"`
}

// ProtocolConfig holds wire protocol limits.
type ProtocolConfig struct {
	MaxFrameSize      int `yaml:"max_frame_size" env:"CIPP_PROTOCOL_MAX_FRAME_SIZE"`
	CompressThreshold int `yaml:"compress_threshold" env:"CIPP_PROTOCOL_COMPRESS_THRESHOLD"`
	// WriteTimeout bounds writing one frame to a worker connection. Zero
	// disables the deadline.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"CIPP_PROTOCOL_WRITE_TIMEOUT"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" env:"CIPP_SERVER_ENABLED"`
	Address         string        `yaml:"address" env:"CIPP_SERVER_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"CIPP_SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CIPP_SERVER_WRITE_TIMEOUT"`
	EnableCORS      bool          `yaml:"enable_cors" env:"CIPP_SERVER_ENABLE_CORS"`
	EnableWebSocket bool          `yaml:"enable_websocket" env:"CIPP_SERVER_ENABLE_WEBSOCKET"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"CIPP_LOG_LEVEL"`
	Format     string `yaml:"format" env:"CIPP_LOG_FORMAT"`
	Output     string `yaml:"output" env:"CIPP_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"CIPP_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"CIPP_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"CIPP_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"CIPP_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:             []string{":5150"},
			Granularity:        GranularityComputeUnits,
			ComputeUnits:       0,
			LocalWorkers:       0,
			CountRemoteWorkers: true,
			StopTimeout:        5 * time.Second,
		},
		Worker: WorkerConfig{
			CoordinatorAddr:   "localhost:5150",
			Slots:             2,
			DialTimeout:       10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Protocol: ProtocolConfig{
			MaxFrameSize:      256 * 1024 * 1024, // 256MB
			CompressThreshold: 64 * 1024,         // 64KB
			WriteTimeout:      5 * time.Minute,
		},
		Server: ServerConfig{
			Enabled:         true,
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			EnableCORS:      false,
			EnableWebSocket: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dot-path overrides such as "worker.slots" -> "4".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path of yaml keys.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("expected %s to be a struct, got %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma separated string slices
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// SplitMultiplier returns how many fragments per compute unit the
// granularity asks for, 0 meaning no splitting.
func (c *CoordinatorConfig) SplitMultiplier() int {
	switch c.Granularity {
	case GranularityNone:
		return 0
	case GranularityDouble:
		return 2
	default:
		return 1
	}
}
