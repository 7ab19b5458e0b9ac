package cmd

import (
	"flag"

	"github.com/go-logr/glogr"
	"github.com/go-logr/logr"
)

var DebugLogger logr.Logger

func init() {
	// glog wants its flag set parsed before first use; cobra owns the
	// real command line.
	_ = flag.CommandLine.Parse([]string{"-logtostderr=true"})
	DebugLogger = glogr.New()
}

// setDebug raises the glog verbosity so V(4) diagnostics appear.
func setDebug() {
	_ = flag.Set("v", "4")
}
