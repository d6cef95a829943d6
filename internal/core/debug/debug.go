// Package debug contains optional utilities for inspecting a running
// server: a pprof HTTP endpoint and decoded-frame logging.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *logrus.Logger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// startPprofServer starts the default pprof HTTP server that can be
// accessed via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger *logrus.Logger, pprofPort int) {
	listenerAddr := fmt.Sprintf("localhost:%d", pprofPort)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

var frameDumper = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true}

// DumpClientFrame logs a decoded client frame at debug level.
func DumpClientFrame(logger *logrus.Logger, sessionID string, frame interface{}) {
	logger.Debugf("[%s] client frame: %s", sessionID, frameDumper.Sdump(frame))
}

// DumpServerFrame logs an outbound server frame at debug level.
func DumpServerFrame(logger *logrus.Logger, sessionID string, frame interface{}) {
	logger.Debugf("[%s] server frame: %s", sessionID, frameDumper.Sdump(frame))
}
