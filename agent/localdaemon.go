package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// LocalDaemon is the guest-local UNIX-socket command multiplexer (§4.10):
// Applications that run as independent child processes (rather than
// in-process via appregistry.Interface) talk to it over line-delimited
// JSON, and it forwards validated commands upstream through the owning
// Agent.
type LocalDaemon struct {
	path  string
	agent *Agent
	ln    net.Listener
}

// NewLocalDaemon binds the daemon's socket at path, removing any stale
// socket left behind by a prior boot.
func NewLocalDaemon(path string, a *Agent) (*LocalDaemon, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("agent: listen on local daemon socket %q: %w", path, err)
	}
	return &LocalDaemon{path: path, agent: a, ln: ln}, nil
}

// Serve accepts client connections until ctx is cancelled, one goroutine
// per connection (§5: "one [worker] per connected local-daemon client").
func (d *LocalDaemon) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.ln.Close()
	}()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go d.handleConn(ctx, conn)
	}
}

// Close releases the listener and removes the socket file.
func (d *LocalDaemon) Close() error {
	err := d.ln.Close()
	_ = os.Remove(d.path)
	return err
}

// localCommand is the shape of every line the daemon accepts: `log`,
// `data`, `preserve`, `status` (§4.10).
type localCommand struct {
	Command     string            `json:"command"`
	Level       string            `json:"level,omitempty"`
	Message     string            `json:"message,omitempty"`
	Measurement string            `json:"measurement,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Points      map[string]any    `json:"points,omitempty"`
	Path        string            `json:"path,omitempty"`
}

type localReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	State  string `json:"state,omitempty"`
}

func (d *LocalDaemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var cmd localCommand
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			_ = enc.Encode(localReply{OK: false, Error: err.Error()})
			continue
		}
		reply := d.dispatch(ctx, cmd)
		_ = enc.Encode(reply)
	}
}

func (d *LocalDaemon) dispatch(ctx context.Context, cmd localCommand) localReply {
	switch cmd.Command {
	case "log":
		if cmd.Message == "" {
			return localReply{OK: false, Error: "log: missing message"}
		}
		d.agent.Log(ctx, cmd.Level, cmd.Message)
		return localReply{OK: true}
	case "data":
		if cmd.Measurement == "" {
			return localReply{OK: false, Error: "data: missing measurement"}
		}
		d.agent.DataPoint(ctx, cmd.Measurement, cmd.Points)
		return localReply{OK: true}
	case "preserve":
		if cmd.Path == "" {
			return localReply{OK: false, Error: "preserve: missing path"}
		}
		if err := d.agent.preserve(cmd.Path); err != nil {
			return localReply{OK: false, Error: err.Error()}
		}
		return localReply{OK: true}
	case "status":
		return localReply{OK: true, State: string(d.agent.State())}
	default:
		slog.WarnContext(ctx, "agent: unknown local daemon command", "command", cmd.Command)
		return localReply{OK: false, Error: fmt.Sprintf("unknown command %q", cmd.Command)}
	}
}
