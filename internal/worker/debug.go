package worker

import (
	"os"
	"strings"

	"dealcheck/internal/config"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("DEALCHECK_WORKER_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		config.GetLogger().WithField("module", "worker").Infof(format, args...)
	}
}
