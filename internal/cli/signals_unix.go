//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"
)

type control int

const (
	controlNone control = iota
	controlRebaseline
	controlTrigger
)

func notifyControl(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)
}

func controlFor(sig os.Signal) control {
	switch sig {
	case syscall.SIGHUP:
		return controlRebaseline
	case syscall.SIGUSR1:
		return controlTrigger
	default:
		return controlNone
	}
}
