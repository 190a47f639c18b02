// Package protocol implements the control-channel wire format between the
// Controller and an Instance Agent: a bidirectional, newline-delimited
// stream of self-describing JSON frames (§4.4).
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind is a stable message-kind tag. Downstream kinds originate at the
// Agent; upstream kinds originate at the Controller.
type Kind string

const (
	// Downstream (Agent -> Controller).
	KindStarted             Kind = "started"
	KindInitialized         Kind = "initialized"
	KindAppsInstalled       Kind = "apps_installed"
	KindAppsDone            Kind = "apps_done"
	KindAppsFailed          Kind = "apps_failed"
	KindAppsExtendedStatus  Kind = "apps_extended_status"
	KindDataPoint           Kind = "data_point"
	KindMsgInfo             Kind = "msg_info"
	KindMsgSuccess          Kind = "msg_success"
	KindMsgWarning          Kind = "msg_warning"
	KindMsgError            Kind = "msg_error"
	KindMsgDebug            Kind = "msg_debug"
	KindCopiedFile          Kind = "copied_file"
	KindFinished            Kind = "finished"
	KindFailed              Kind = "failed"

	// Upstream (Controller -> Agent).
	KindInitialize      Kind = "initialize"
	KindInstallApps     Kind = "install_apps"
	KindRunApps         Kind = "run_apps"
	KindApplicationStat Kind = "application_status"
	KindCopy            Kind = "copy"
	KindFinish          Kind = "finish"
	KindNull            Kind = "null"
)

// Frame is the envelope every message travels in: `name` (the Instance's
// FQDN), `status` (the kind discriminator) and a kind-specific payload.
// Per the Open Questions in §9, `status` here is purely the kind — it is
// never overloaded with a lifecycle state name.
type Frame struct {
	Name    string          `json:"name"`
	Status  Kind            `json:"status"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Writer serialises frames to an underlying stream, one JSON object per
// line, safe for concurrent use by multiple goroutines emitting upstream
// messages for different Instances.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w in a frame Writer.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Send encodes payload as the message body and writes the frame.
func (w *Writer) Send(name string, kind Kind, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		raw = data
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(&Frame{Name: name, Status: kind, Message: raw})
}

// Reader decodes frames from an underlying stream. It tolerates partial
// reads and multiple frames landing in one buffer by relying on
// encoding/json's streaming decoder, which itself scans for the `}{`
// object boundary the way §4.4 describes.
type Reader struct {
	dec *json.Decoder
}

// NewReader wraps r in a frame Reader, buffered through a bufio.Reader.
// A decode error is returned from Next as is; the Reader does not skip
// ahead to the next newline to resynchronise after malformed input.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Next reads and decodes the next frame. Returns io.EOF when the
// underlying stream is closed cleanly.
func (r *Reader) Next() (*Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Unmarshal decodes a frame's payload into v.
func (f *Frame) Unmarshal(v any) error {
	if len(f.Message) == 0 {
		return nil
	}
	return json.Unmarshal(f.Message, v)
}
