// Package logger holds the process-wide zap logger shared by the
// prefetch, rasterize and stitch commands.
package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init sets up console-only logging. Verbose enables debug level with
// the development encoder, which is what you want when tracing a
// single tile through the pipeline.
func Init(verbose bool) {
	once.Do(func() {
		log = build(verbose, "")
	})
}

// InitWithFile additionally tees entries into a rotated JSON file.
// Console stays human-readable; the file is for digging through a
// finished run, mostly to pull out the tiles a provider failed on.
func InitWithFile(verbose bool, logFile string) {
	once.Do(func() {
		log = build(verbose, logFile)
	})
}

func build(verbose bool, logFile string) *zap.Logger {
	level := zapcore.InfoLevel
	encCfg := zap.NewProductionEncoderConfig()
	if verbose {
		level = zapcore.DebugLevel
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level),
	}

	if logFile != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(fileSink(logFile)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

// fileSink rotates the log file. A full prefetch over a metro extract
// logs one warning per failed tile, so files stay small; 20 MB and two
// weeks of backups comfortably outlive any rerun window.
func fileSink(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}
}

// Get returns the shared logger, initializing a console-only one at
// info level if no command set it up first.
func Get() *zap.Logger {
	if log == nil {
		Init(false)
	}
	return log
}

// Sync flushes buffered entries; deferred from main.
func Sync() {
	if log != nil {
		log.Sync()
	}
}
