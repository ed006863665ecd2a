package config

import (
    "os"
    "strings"

    "github.com/sirupsen/logrus"
)

// NewLogger builds the process logger.  Unknown levels fall back to info.
func NewLogger(level, format string) *logrus.Logger {
    log := logrus.New()
    log.SetOutput(os.Stdout)
    if strings.EqualFold(format, "text") {
        log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
    } else {
        log.SetFormatter(&logrus.JSONFormatter{})
    }
    lvl, err := logrus.ParseLevel(level)
    if err != nil {
        lvl = logrus.InfoLevel
    }
    log.SetLevel(lvl)
    return log
}
