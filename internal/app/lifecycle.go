package app

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForSignals invokes onSignal once when SIGINT or SIGTERM arrives. It
// returns immediately; the watch runs on its own goroutine.
func WaitForSignals(onSignal func()) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		<-sigChan

		if onSignal != nil {
			onSignal()
		}
	}()
}
