// Package agent implements the in-guest Agent and local daemon (§4.10):
// a mirrored state machine, setup-script execution, Application
// supervision with a t0 barrier rendezvous, and a local UNIX-socket
// command multiplexer for running Applications.
package agent

// State is the Agent's own (smaller) mirror of the Instance state
// machine (§4.10): `STARTED → INITIALIZED → APPS_READY →
// EXPERIMENT_RUNNING → READY_FOR_SHUTDOWN | FAILED`.
type State string

const (
	StateStarted          State = "STARTED"
	StateInitialized      State = "INITIALIZED"
	StateAppsReady        State = "APPS_READY"
	StateExperimentRunning State = "EXPERIMENT_RUNNING"
	StateReadyForShutdown State = "READY_FOR_SHUTDOWN"
	StateFailed           State = "FAILED"
)
