package protocol

import "time"

// InitializePayload carries the upstream `initialize` message (§4.4).
type InitializePayload struct {
	Script            string            `json:"script,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	SnapshotRequested bool              `json:"snapshot_requested"`
}

// InstallAppsPayload carries the upstream `install_apps` message.
type InstallAppsPayload struct {
	Applications []AppSpec `json:"applications"`
}

// AppSpec is the Agent-facing projection of a config.Application: enough
// to validate and start it without the Agent importing the host-side
// config package.
type AppSpec struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Delay     float64        `json:"delay"`
	Runtime   *float64       `json:"runtime,omitempty"`
	DontStore bool           `json:"dont_store,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	IsRoot    bool           `json:"is_root"`
}

// RunAppsPayload carries the upstream `run_apps` t0 rendezvous (§4.9 step
// 11, §5).
type RunAppsPayload struct {
	T0       time.Time `json:"t0"`
	TCurrent time.Time `json:"tcurrent"`
}

// ApplicationStatusPayload carries the upstream `application_status`
// message that unblocks a deferred-start Application (§4.7).
type ApplicationStatusPayload struct {
	AppName string `json:"app_name"`
	At      string `json:"at"` // "start" | "finish"
}

// CopyPayload carries the upstream `copy` message.
type CopyPayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
	ProcID string `json:"proc_id"`
	Rename string `json:"rename,omitempty"`
}

// FinishPayload carries the upstream `finish` message.
type FinishPayload struct {
	PreserveFiles []string `json:"preserve_files,omitempty"`
	DoPreserve    bool     `json:"do_preserve"`
}

// AppsExtendedStatusPayload carries the downstream per-Application state
// change notification.
type AppsExtendedStatusPayload struct {
	AppName string `json:"app_name"`
	State   string `json:"state"`
	ExitMsg string `json:"exit_message,omitempty"`
}

// DataPointPayload carries a downstream telemetry sample destined for the
// Metrics Sink and/or the Result Aggregator.
type DataPointPayload struct {
	Measurement string         `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields"`
	Timestamp   time.Time      `json:"timestamp"`
}

// LogPayload carries a downstream `msg_*` user log line.
type LogPayload struct {
	AppName string `json:"app_name,omitempty"`
	Message string `json:"message"`
}

// CopiedFilePayload echoes the proc_id of the `copy` request it answers
// (§4.4: "success is observed ... via message-type convention").
type CopiedFilePayload struct {
	ProcID string `json:"proc_id"`
	Bytes  int64  `json:"bytes"`
}

// FailedPayload carries a downstream failure report with a stable error
// kind tag (§7).
type FailedPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
