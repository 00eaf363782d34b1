package config

import (
	"context"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/appctx"
	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message"},
	})
	logg.SetLevel(logLevelFromEnv())
	logg.SetOutput(os.Stdout)
}

// LOG_LEVEL accepts any logrus level name; errors only by default.
func logLevelFromEnv() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		return logrus.ErrorLevel
	}
	return level
}

// RequestLogger returns an entry carrying the plant, user and correlation id
// found on ctx, merged with fields.
func RequestLogger(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	merged := logrus.Fields{}
	if v, ok := appctx.Value[string](ctx, appctx.KeyPlantId); ok && v != "" {
		merged["plant_id"] = v
	}
	if v, ok := appctx.Value[int](ctx, appctx.KeyUserId); ok && v != 0 {
		merged["user_id"] = v
	}
	if v, ok := appctx.Value[string](ctx, appctx.KeyCorrelationId); ok && v != "" {
		merged["correlation_id"] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return logg.WithFields(merged)
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
