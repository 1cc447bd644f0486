// This package defines the config struct shared by every store backend, and the loggers derived from it.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

type Config struct {
	Debug         bool   `koanf:"debug"`
	RootDir       string `koanf:"root_dir"`
	LoggingPrefix string `koanf:"logging_prefix"`
	LogFile       string `koanf:"log_file"`
	Backend       string `koanf:"backend"`
	BusyTimeoutMs int64  `koanf:"busy_timeout_ms"`

	writer    io.Writer
	extraCore zapcore.Core
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	if c.extraCore != nil {
		cores = append(cores, c.extraCore)
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithLogFile names the rotated JSON log inside RootDir. An empty name disables file logging.
func WithLogFile(name string) Option {
	return func(c *Config) {
		c.LogFile = name
	}
}

func WithBackend(b string) Option {
	return func(c *Config) {
		c.Backend = b
	}
}

func WithBusyTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.BusyTimeoutMs = n
	}
}

// WithLogCore tees every logger built from this config into core as well.
func WithLogCore(core zapcore.Core) Option {
	return func(c *Config) {
		c.extraCore = core
	}
}

func defaultConfig() *Config {
	return &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",
		LogFile:       "out.log",
		Backend:       BackendSQLite,
		BusyTimeoutMs: 5000,
	}
}

func NewConfig(opts ...Option) *Config {
	return finish(defaultConfig(), opts)
}

func finish(c *Config, opts []Option) *Config {
	for _, o := range opts {
		o(c)
	}

	if c.LogFile != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, c.LogFile),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
