package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logg = NewLogger("info")

// GetLogger returns the process logger.
func GetLogger() *logrus.Logger {
	return logg
}

// SetLevel adjusts the process logger; unknown levels keep the current one.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(level)); err == nil {
		logg.SetLevel(lvl)
	}
}

// NewLogger builds a JSON logger writing to stdout.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
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
