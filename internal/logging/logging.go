package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Cfg struct {
	Level string
	JSON  bool
}

// New builds the process logger. The returned level can be changed at
// runtime, which is how a SIGHUP reload applies a new logging.level.
func New(c Cfg) (*zap.Logger, zap.AtomicLevel, error) {
	cfg := zap.NewProductionConfig()
	if !c.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if err := SetLevel(cfg.Level, c.Level); err != nil {
		return nil, cfg.Level, err
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, cfg.Level, fmt.Errorf("build logger: %w", err)
	}
	return l, cfg.Level, nil
}

// SetLevel parses level into lvl. An empty level leaves lvl untouched.
func SetLevel(lvl zap.AtomicLevel, level string) error {
	if level == "" {
		return nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("logging level %q: %w", level, err)
	}
	return nil
}
