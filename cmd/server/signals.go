package main

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals runs reload on SIGHUP and shutdown on the first other signal.
// It then stops relaying, so a second interrupt gets the default behaviour
// and kills a shutdown that hangs.
func watchSignals(sigCh chan os.Signal, reload, shutdown func()) {
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reload()
			continue
		}
		signal.Stop(sigCh)
		shutdown()
		return
	}
}
