package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Trigger modes for the listening and connection descriptors.
const (
	TriggerBothLT    = 0 // listen LT, connections LT
	TriggerConnET    = 1 // listen LT, connections ET
	TriggerListenET  = 2 // listen ET, connections LT
	TriggerBothET    = 3 // listen ET, connections ET
	DefaultMaxConns  = 65536
	DefaultQueueSize = 1024
)

// Config holds every process-level setting. It is read once at startup and
// handed to the server; nothing reloads it.
type Config struct {
	Port          int
	TriggerMode   int
	Linger        bool
	Workers       int
	QueueSize     int
	IdleTimeout   time.Duration
	SubmitTimeout time.Duration
	MaxConns      int
	ResourceDir   string
	UsersFile     string

	LogLevel   string
	LogFile    string
	LogAsync   bool
	LogDisable bool
	// rotation of LogFile
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogDaily      bool
}

// Default returns the settings used when no flag overrides them.
func Default() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Config{
		Port:          9090,
		TriggerMode:   TriggerBothET,
		Linger:        false,
		Workers:       8,
		QueueSize:     DefaultQueueSize,
		IdleTimeout:   60 * time.Second,
		SubmitTimeout: 50 * time.Millisecond,
		MaxConns:      DefaultMaxConns,
		ResourceDir:   wd + "/resources",
		LogLevel:      "info",
		LogMaxSizeMB:  100,
		LogDaily:      true,
	}
}

// Parse reads flags from args (without the program name) on top of Default.
func Parse(args []string, output io.Writer) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("httpd", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	var idleMS, submitMS int
	fs.IntVar(&cfg.Port, "p", cfg.Port, "listen port (0 picks a free one)")
	fs.IntVar(&cfg.TriggerMode, "m", cfg.TriggerMode, "trigger mode: 0 LT/LT, 1 conn ET, 2 listen ET, 3 ET/ET")
	fs.BoolVar(&cfg.Linger, "o", cfg.Linger, "enable SO_LINGER graceful close")
	fs.IntVar(&cfg.Workers, "t", cfg.Workers, "worker pool size")
	fs.IntVar(&cfg.QueueSize, "q", cfg.QueueSize, "task queue capacity")
	fs.IntVar(&idleMS, "T", int(cfg.IdleTimeout/time.Millisecond), "idle connection timeout in ms (0 disables)")
	fs.IntVar(&submitMS, "s", int(cfg.SubmitTimeout/time.Millisecond), "task admission timeout in ms")
	fs.IntVar(&cfg.MaxConns, "n", cfg.MaxConns, "maximum simultaneous connections")
	fs.StringVar(&cfg.ResourceDir, "r", cfg.ResourceDir, "static resource directory")
	fs.StringVar(&cfg.UsersFile, "users", cfg.UsersFile, "name:password seed file for the credential store")
	fs.StringVar(&cfg.LogLevel, "v", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file (default stdout)")
	fs.BoolVar(&cfg.LogAsync, "l", cfg.LogAsync, "buffer log writes asynchronously")
	fs.BoolVar(&cfg.LogDisable, "c", cfg.LogDisable, "disable logging")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size", cfg.LogMaxSizeMB, "rotate the log file at this many MB")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", cfg.LogMaxBackups, "rotated log files to keep (0 keeps all)")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age", cfg.LogMaxAgeDays, "days to keep rotated log files (0 keeps all)")
	fs.BoolVar(&cfg.LogDaily, "log-daily", cfg.LogDaily, "also rotate the log file at midnight")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.IdleTimeout = time.Duration(idleMS) * time.Millisecond
	cfg.SubmitTimeout = time.Duration(submitMS) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port != 0 && (c.Port < 1024 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range 1024-65535", c.Port))
	}
	if c.TriggerMode < TriggerBothLT || c.TriggerMode > TriggerBothET {
		errs = append(errs, fmt.Errorf("trigger mode %d out of range 0-3", c.TriggerMode))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("worker count %d must be positive", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size %d must be positive", c.QueueSize))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("max connections %d must be positive", c.MaxConns))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle timeout must not be negative"))
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		errs = append(errs, errors.New("log rotation limits must not be negative"))
	}
	if c.ResourceDir == "" {
		errs = append(errs, errors.New("resource directory must be set"))
	}
	return errors.Join(errs...)
}

// ListenET reports whether the listening fd is edge-triggered.
func (c *Config) ListenET() bool {
	return c.TriggerMode == TriggerListenET || c.TriggerMode == TriggerBothET
}

// ConnET reports whether connection fds are edge-triggered.
func (c *Config) ConnET() bool {
	return c.TriggerMode == TriggerConnET || c.TriggerMode == TriggerBothET
}
