// Package config loads coordinator and worker settings from defaults, a YAML
// file, PC_* environment variables and command line overrides, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/logging"
)

// Config is the full settings tree.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Log         logging.Config    `yaml:"log"`
}

// CoordinatorConfig drives the coordinator and its collect loop.
type CoordinatorConfig struct {
	Listen   string `yaml:"listen" env:"PC_LISTEN"` // admin HTTP address
	Ordinal  string `yaml:"ordinal" env:"PC_ORDINAL"`
	Image    string `yaml:"image" env:"PC_IMAGE"`
	Parallel int    `yaml:"parallel" env:"PC_PARALLEL"` // <0 selects every worker
	Random   bool   `yaml:"random" env:"PC_RANDOM"`
	Seed     int64  `yaml:"seed" env:"PC_SEED"`

	PollInterval       time.Duration `yaml:"poll_interval" env:"PC_POLL_INTERVAL"`
	CollectTimeout     time.Duration `yaml:"collect_timeout" env:"PC_COLLECT_TIMEOUT"` // <=0 waits forever
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval" env:"PC_STALE_SWEEP"`
	ActivityTimeout    time.Duration `yaml:"activity_timeout" env:"PC_ACTIVITY_TIMEOUT"` // 0 disables probing
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" env:"PC_HANDSHAKE_TIMEOUT"`
	DialConcurrency    int           `yaml:"dial_concurrency" env:"PC_DIAL_CONCURRENCY"`

	SnapshotPath string `yaml:"snapshot_path" env:"PC_SNAPSHOT"`
	SessionLog   string `yaml:"session_log" env:"PC_SESSION_LOG"`
	PackageDir   string `yaml:"package_dir" env:"PC_PACKAGE_DIR"`
	ClientMode   bool   `yaml:"client_mode" env:"PC_CLIENT_MODE"`

	Workers []cluster.Endpoint `yaml:"workers"`
}

// WorkerConfig drives a worker agent.
type WorkerConfig struct {
	Listen    string `yaml:"listen" env:"PC_WORKER_LISTEN"`
	Host      string `yaml:"host" env:"PC_WORKER_HOST"`
	User      string `yaml:"user" env:"PC_WORKER_USER"`
	PerfIndex int    `yaml:"perf_index" env:"PC_WORKER_PERF"`
	Image     string `yaml:"image" env:"PC_WORKER_IMAGE"`
	WorkDir   string `yaml:"work_dir" env:"PC_WORKER_DIR"`
	// SubCoordinator turns the agent into an inner node that fans out to
	// the workers listed under coordinator.workers.
	SubCoordinator bool `yaml:"sub_coordinator" env:"PC_WORKER_SUBCOORD"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:             ":8080",
			Ordinal:            "0",
			Image:              host,
			Parallel:           -1,
			PollInterval:       time.Second,
			CollectTimeout:     0,
			StaleSweepInterval: 10 * time.Second,
			ActivityTimeout:    0,
			HandshakeTimeout:   10 * time.Second,
			DialConcurrency:    8,
			PackageDir:         "packages",
		},
		Worker: WorkerConfig{
			Listen:    ":1093",
			Host:      host,
			PerfIndex: 100,
			Image:     host,
			WorkDir:   os.TempDir(),
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Validate checks values that would otherwise fail deep inside the collect loop.
func (c *Config) Validate() error {
	var errs []error
	cc := c.Coordinator
	if cc.PollInterval <= 0 {
		errs = append(errs, errors.New("coordinator.poll_interval must be positive"))
	}
	if cc.StaleSweepInterval <= 0 {
		errs = append(errs, errors.New("coordinator.stale_sweep_interval must be positive"))
	}
	if cc.ActivityTimeout < 0 {
		errs = append(errs, errors.New("coordinator.activity_timeout must not be negative"))
	}
	if cc.DialConcurrency <= 0 {
		errs = append(errs, errors.New("coordinator.dial_concurrency must be positive"))
	}
	if cc.Ordinal == "" {
		errs = append(errs, errors.New("coordinator.ordinal must be set"))
	}
	for i, w := range cc.Workers {
		if w.Host == "" {
			errs = append(errs, fmt.Errorf("coordinator.workers[%d]: host is empty", i))
		}
		if w.Port <= 0 || w.Port > 65535 {
			errs = append(errs, fmt.Errorf("coordinator.workers[%d]: invalid port %d", i, w.Port))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "PC_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the PC_ prefix of the env tags.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dotted-path overrides such as "coordinator.parallel=4".
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
	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "PC_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "PC_")
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("%s -> %s: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// setConfigValue sets a value by its dotted yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path %q", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("%s is not a section", part)
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

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return errors.New("field cannot be set")
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
		if field.Type().Elem() == reflect.TypeOf(cluster.Endpoint{}) {
			eps, err := ParseEndpoints(value)
			if err != nil {
				return err
			}
			field.Set(reflect.ValueOf(eps))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// ParseEndpoints reads a comma separated worker list. Each item is
// [user@]host:port[/perf[/image]].
func ParseEndpoints(s string) ([]cluster.Endpoint, error) {
	var out []cluster.Endpoint
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		var ep cluster.Endpoint
		fields := strings.Split(item, "/")
		addr := fields[0]
		if at := strings.LastIndex(addr, "@"); at >= 0 {
			ep.User, addr = addr[:at], addr[at+1:]
		}
		colon := strings.LastIndex(addr, ":")
		if colon <= 0 {
			return nil, fmt.Errorf("worker %q: missing port", item)
		}
		port, err := strconv.Atoi(addr[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("worker %q: invalid port: %w", item, err)
		}
		ep.Host, ep.Port = addr[:colon], port
		if len(fields) > 1 {
			if ep.Perf, err = strconv.Atoi(fields[1]); err != nil {
				return nil, fmt.Errorf("worker %q: invalid perf index: %w", item, err)
			}
		}
		if len(fields) > 2 {
			ep.Image = fields[2]
		}
		out = append(out, ep)
	}
	return out, nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses YAML on top of the defaults.
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

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := c.Serialize()
	clone, _ := ParseConfig(data)
	return clone
}
