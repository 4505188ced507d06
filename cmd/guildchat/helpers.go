package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/questly/guildchat"
)

// newLogger builds the CLI logger. Without --log-file, warnings go to stderr
// so they do not drown chat output; --verbose lowers the level to debug.
func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var core zapcore.Core
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level)
	} else {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)
	}
	return zap.New(core)
}

// newClient creates a chat client from the effective configuration.
func newClient(logger *zap.Logger) (*guildchat.Client, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		logger.Warn("no access token configured, connecting anonymously (run 'guildchat init <token>')")
	}

	opts := []guildchat.ClientOption{guildchat.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, guildchat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSBaseURL != "" {
		opts = append(opts, guildchat.WithWSBaseURL(cfg.Default.WSBaseURL))
	}
	return guildchat.NewClient(cfg.Auth.AccessToken, opts...), nil
}

func parseGroupID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid group id %q", arg)
	}
	return id, nil
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
