package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kestrelnet/ptb/protocol"
)

// handleCopy resolves which end of a copy is local (an absolute
// in-guest path) versus remote (an identifier keyed via the 9p exchange
// mount), performs the copy, and echoes `copied_file` with the same
// proc_id (§4.4, §4.10).
func (a *Agent) handleCopy(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.CopyPayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal copy: %w", err)
	}

	src := a.resolveCopyPath(p.Source)
	dstName := p.Target
	if p.Rename != "" {
		dstName = p.Rename
	}
	dst := a.resolveCopyPath(dstName)

	n, err := copyFile(src, dst)
	if err != nil {
		return fmt.Errorf("agent: copy %q -> %q: %w", p.Source, p.Target, err)
	}

	return a.send(protocol.KindCopiedFile, protocol.CopiedFilePayload{ProcID: p.ProcID, Bytes: n})
}

// resolveCopyPath treats an absolute path as guest-local and anything
// else as an identifier inside the exchange mount (§4.10: "absolute
// paths are local; identifiers are keyed via the 9p exchange mount").
func (a *Agent) resolveCopyPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.ExchangeDir, p)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, in)
}
