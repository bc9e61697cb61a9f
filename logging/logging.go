package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger initializes and returns a new zap.Logger based on the provided log level.
// When logFile is set, entries are also written as JSON to a size-rotated file.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	var zapConfig zap.Config

	// Set up production or development config based on your needs
	if level == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	// Adjust log level based on input
	var logLevel zap.AtomicLevel
	err := logLevel.UnmarshalText([]byte(level))
	if err != nil {
		return nil, err
	}
	zapConfig.Level = logLevel

	// Build and return the configured logger
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	if logFile == "" {
		return logger, nil
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}),
		logLevel,
	)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}
