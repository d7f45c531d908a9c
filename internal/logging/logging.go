// Package logging configures the process-wide logrus logger, shared by
// the console, comet and agent binaries (grounded on
// armadaproject-armada/internal/common's ConfigureLogging).
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Configure sets the global logrus formatter/level. debug raises the
// level to Debug; otherwise Info.
func Configure(debug bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
