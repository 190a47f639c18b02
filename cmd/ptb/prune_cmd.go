package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/kestrelnet/ptb/fabric"
	"github.com/kestrelnet/ptb/statedir"
)

// PruneCmd implements `ptb prune` (§6, §8 idempotence property).
type PruneCmd struct{}

func (p *PruneCmd) Run(cctx *Context) error {
	var fab statedir.Fabric
	runner := fabric.ExecRunner{}
	if _, err := exec.LookPath("ip"); err == nil {
		fab = fabric.NewManager(runner)
	}

	result, err := statedir.Prune(context.Background(), cctx.StateBase, fab)
	if err != nil {
		return err
	}

	fmt.Printf("removed %d run director%s, %d bridge%s, %d tap%s\n",
		len(result.RemovedRunDirs), plural(len(result.RemovedRunDirs), "y", "ies"),
		len(result.RemovedBridges), plural(len(result.RemovedBridges), "", "s"),
		len(result.RemovedTAPs), plural(len(result.RemovedTAPs), "", "s"))
	return nil
}

func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}
