//go:build windows

package cli

import "os"

type control int

const (
	controlNone control = iota
	controlRebaseline
	controlTrigger
)

func notifyControl(chan<- os.Signal) {}

func controlFor(os.Signal) control { return controlNone }
