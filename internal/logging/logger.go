package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. JSON output uses zap's production
// encoder; otherwise a console encoder writes to stderr.
func New(jsonOutput bool, level string) (*zap.SugaredLogger, error) {
	return newWithSink(jsonOutput, level, os.Stderr)
}

func newWithSink(jsonOutput bool, level string, sink io.Writer) (*zap.SugaredLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), lvl)
	return zap.New(core).Sugar(), nil
}

// ParseLevel maps a level name to its zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, errors.WithHint(
			errors.Wrapf(err, "parse log level %q", level),
			"Use one of debug, info, warn, error.",
		)
	}
	return lvl, nil
}
