package controller

import "github.com/aoba-ctl/aoba-ctl/internal/modbus"

// Intent is the controller-bound request union from spec.md §4.10,
// produced by an input task, a timer, or (out of scope here) a UI, and
// consumed exclusively by the controller's single loop.
type Intent interface{ isIntent() }

// Quit stops every running worker in parallel, resets all port states to
// Free, drains the event channel once, and ends the controller loop.
type Quit struct{}

// Refresh requests an immediate notify broadcast without a scan.
type Refresh struct{}

// RescanPorts forces an out-of-cycle scanner pass.
type RescanPorts struct{}

// PausePolling suspends the periodic (30s) scanner pass; RescanPorts still
// works on demand.
type PausePolling struct{}

// ResumePolling re-enables the periodic scanner pass.
type ResumePolling struct{}

// ToggleRuntime starts Port's worker if it isn't running, or stops it if it
// is.
type ToggleRuntime struct{ Port string }

// RestartRuntime stops then starts Port's worker with its latest config.
type RestartRuntime struct{ Port string }

// SendRegisterUpdate pushes new values into a running station, master or
// slave, at the station keyed by StationID, RegisterMode and StartAddress
// within Port.
type SendRegisterUpdate struct {
	Port         string
	StationID    byte
	RegisterMode modbus.RegisterMode
	StartAddress uint16
	Values       []uint16
}

func (Quit) isIntent()               {}
func (Refresh) isIntent()            {}
func (RescanPorts) isIntent()        {}
func (PausePolling) isIntent()       {}
func (ResumePolling) isIntent()      {}
func (ToggleRuntime) isIntent()      {}
func (RestartRuntime) isIntent()     {}
func (SendRegisterUpdate) isIntent() {}
