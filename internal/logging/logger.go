package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Default logger
var sinkLogger hclog.Logger

// SetLogger sets the global logger for the sink
func SetLogger(logger hclog.Logger) {
	sinkLogger = logger
}

// GetLogger returns the global logger for the sink
func GetLogger() hclog.Logger {
	if sinkLogger == nil {
		sinkLogger = NewLogger("info")
	}
	return sinkLogger
}

// NewLogger builds a logger at the given level for main to install
func NewLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "dstream-sink-mssql",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}
