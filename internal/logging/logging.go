// Package logging builds the process-wide zap logger.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing errors to stderr and everything else to
// stdout. When dir is set, JSON copies go to errors.log and standard.log
// inside it; console output is then kept only in debug mode.
func New(debug bool, dir string) (*zap.Logger, error) {
	dir = strings.TrimSpace(dir)

	minLevel := zapcore.InfoLevel
	if debug {
		minLevel = zapcore.DebugLevel
	}

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	console := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), highPriority),
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lowPriority),
	}

	if dir == "" {
		return zap.New(zapcore.NewTee(console...), zap.AddCaller()), nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log directory %s", dir)
	}

	errFile, err := openLog(filepath.Join(dir, "errors.log"))
	if err != nil {
		return nil, err
	}
	stdFile, err := openLog(filepath.Join(dir, "standard.log"))
	if err != nil {
		return nil, err
	}

	jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(jsonEncoder, errFile, highPriority),
		zapcore.NewCore(jsonEncoder, stdFile, lowPriority),
	}
	if debug {
		cores = append(cores, console...)
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func openLog(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	return zapcore.Lock(zapcore.AddSync(f)), nil
}
