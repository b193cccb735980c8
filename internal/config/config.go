// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig governs the browser process manager.
type BrowserConfig struct {
	// ExecPath points at the Chromium binary. Empty means the manager
	// searches well-known names on PATH.
	ExecPath string   `mapstructure:"exec_path" yaml:"exec_path"`
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`

	// MaxProcesses caps the number of concurrently running browsers.
	MaxProcesses   int           `mapstructure:"max_processes" yaml:"max_processes"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`

	// Recycling bounds memory growth from long-lived browser sessions: a
	// process is retired once it has served this many tasks or reached
	// this age.
	MaxTasksPerProcess int           `mapstructure:"max_tasks_per_process" yaml:"max_tasks_per_process"`
	MaxProcessAge      time.Duration `mapstructure:"max_process_age" yaml:"max_process_age"`
}

// PoolConfig governs the session pool.
type PoolConfig struct {
	Capacity       int           `mapstructure:"capacity" yaml:"capacity"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`

	// PersistIdentity keeps cookies and storage across tasks on the same
	// session, simulating a single logged-in user. Off by default so
	// unrelated tasks never observe each other's state.
	PersistIdentity bool `mapstructure:"persist_identity" yaml:"persist_identity"`
}

// EngineConfig governs task execution.
type EngineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`

	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// RetryWallClock bounds the total time spent retrying a task,
	// independent of per-step timeouts.
	RetryWallClock time.Duration `mapstructure:"retry_wall_clock" yaml:"retry_wall_clock"`

	// DispatchRate throttles task starts per second when positive.
	DispatchRate float64 `mapstructure:"dispatch_rate" yaml:"dispatch_rate"`

	QueueSize    int    `mapstructure:"queue_size" yaml:"queue_size"`
	ArtifactsDir string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
}

// QueueConfig configures the Redis task source and result sink used by the
// worker command.
type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"-"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	TaskList      string        `mapstructure:"task_list" yaml:"task_list"`
	ResultList    string        `mapstructure:"result_list" yaml:"result_list"`
	PopTimeout    time.Duration `mapstructure:"pop_timeout" yaml:"pop_timeout"`
}

// NewDefaultConfig returns the configuration used when no file or
// environment overrides are present.
func NewDefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "chromeherd",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
		},
		Browser: BrowserConfig{
			Headless:           true,
			MaxProcesses:       2,
			StartupTimeout:     45 * time.Second,
			ShutdownGrace:      15 * time.Second,
			HealthInterval:     10 * time.Second,
			MaxTasksPerProcess: 64,
			MaxProcessAge:      30 * time.Minute,
		},
		Pool: PoolConfig{
			Capacity:       8,
			AcquireTimeout: 30 * time.Second,
			IdleTTL:        5 * time.Minute,
		},
		Engine: EngineConfig{
			Concurrency:    4,
			StepTimeout:    30 * time.Second,
			TaskTimeout:    5 * time.Minute,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     10 * time.Second,
			RetryWallClock: 2 * time.Minute,
			QueueSize:      64,
			ArtifactsDir:   "artifacts",
		},
		Queue: QueueConfig{
			RedisAddr:  "localhost:6379",
			TaskList:   "chromeherd:tasks",
			ResultList: "chromeherd:results",
			PopTimeout: 5 * time.Second,
		},
	}
}

// Load reads the configuration from the given file (or ./config.yaml when
// empty), layered with CHROMEHERD_* environment variables on top of the
// defaults. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	// A .env file, when present, feeds the environment before viper reads it.
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CHROMEHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults must be registered with viper itself, or environment-only
	// overrides never surface through Unmarshal.
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults mirrors NewDefaultConfig into viper's key space.
func setDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.service_name", d.Logger.ServiceName)
	v.SetDefault("logger.max_size", d.Logger.MaxSize)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age", d.Logger.MaxAge)

	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.max_processes", d.Browser.MaxProcesses)
	v.SetDefault("browser.startup_timeout", d.Browser.StartupTimeout)
	v.SetDefault("browser.shutdown_grace", d.Browser.ShutdownGrace)
	v.SetDefault("browser.health_interval", d.Browser.HealthInterval)
	v.SetDefault("browser.max_tasks_per_process", d.Browser.MaxTasksPerProcess)
	v.SetDefault("browser.max_process_age", d.Browser.MaxProcessAge)

	v.SetDefault("pool.capacity", d.Pool.Capacity)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout)
	v.SetDefault("pool.idle_ttl", d.Pool.IdleTTL)
	v.SetDefault("pool.persist_identity", d.Pool.PersistIdentity)

	v.SetDefault("engine.concurrency", d.Engine.Concurrency)
	v.SetDefault("engine.step_timeout", d.Engine.StepTimeout)
	v.SetDefault("engine.task_timeout", d.Engine.TaskTimeout)
	v.SetDefault("engine.backoff_initial", d.Engine.BackoffInitial)
	v.SetDefault("engine.backoff_max", d.Engine.BackoffMax)
	v.SetDefault("engine.retry_wall_clock", d.Engine.RetryWallClock)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.artifacts_dir", d.Engine.ArtifactsDir)

	v.SetDefault("queue.redis_addr", d.Queue.RedisAddr)
	v.SetDefault("queue.redis_db", d.Queue.RedisDB)
	v.SetDefault("queue.task_list", d.Queue.TaskList)
	v.SetDefault("queue.result_list", d.Queue.ResultList)
	v.SetDefault("queue.pop_timeout", d.Queue.PopTimeout)
}

// expandPaths resolves ~ in user-supplied paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Engine.ArtifactsDir, &c.Browser.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Browser.MaxProcesses <= 0 {
		return errors.New("browser.max_processes must be positive")
	}
	if c.Browser.StartupTimeout <= 0 {
		return errors.New("browser.startup_timeout must be positive")
	}
	if c.Pool.Capacity <= 0 {
		return errors.New("pool.capacity must be positive")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.New("pool.acquire_timeout must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		return errors.New("engine.concurrency must be positive")
	}
	if c.Engine.StepTimeout <= 0 || c.Engine.TaskTimeout <= 0 {
		return errors.New("engine step and task timeouts must be positive")
	}
	if c.Engine.BackoffInitial <= 0 || c.Engine.BackoffMax < c.Engine.BackoffInitial {
		return errors.New("engine backoff bounds are inconsistent")
	}
	// A zero wall clock would silently disable the retry budget.
	if c.Engine.RetryWallClock <= 0 {
		return errors.New("engine.retry_wall_clock must be positive")
	}
	if c.Queue.PopTimeout <= 0 {
		return errors.New("queue.pop_timeout must be positive")
	}
	return nil
}
