// Command ptb is the operator-facing CLI for the testbed orchestrator
// (§6 CLI surface), grounded on cmd/sand/main.go's kong wiring: one
// struct field per subcommand, a shared Context threaded into each
// subcommand's Run method, and a YAML config file read before flags.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/goombaio/namegenerator"
	"github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kestrelnet/ptb/metrics"
	"github.com/kestrelnet/ptb/statedir"
	"github.com/kestrelnet/ptb/version"
)

// Context carries every common flag into a subcommand's Run method.
type Context struct {
	StateBase     string
	Sudo          bool
	Experiment    string
	MetricsConfig metrics.Config
	OTLPEndpoint  string
}

// CLI is the top-level flag/subcommand tree (§6).
type CLI struct {
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"logging level"`
	Verbose   bool   `short:"v" help:"shorthand for --log-level=info with caller source"`
	VVerbose  bool   `name:"vv" help:"shorthand for --log-level=debug with caller source"`
	StateBase string `name:"state_base" default:"" placeholder:"<dir>" help:"host-global state directory (default /var/lib/ptb/state)"`
	LogFile   string `name:"log_file" default:"" placeholder:"<path>" help:"rotate JSON logs to this file instead of stderr"`
	Sudo      bool   `help:"perform network fabric operations with elevated privilege"`
	Experiment string `short:"e" name:"experiment" default:"" placeholder:"<tag>" help:"experiment tag (auto-generated if omitted)"`
	InfluxDB   string `name:"influxdb" default:"" placeholder:"<path>" help:"metrics-sink config file (YAML); falls back to INFLUXDB_* env vars"`
	OTLP       string `name:"otlp_endpoint" default:"" placeholder:"<host:port>" help:"OTLP/gRPC trace collector endpoint"`
	Version   kong.VersionFlag `help:"print version information and exit"`

	Run        RunCmd              `cmd:"" aliases:"r" help:"execute a testbed run"`
	List       ListCmd             `cmd:"" aliases:"ls" help:"list running testbeds"`
	Prune      PruneCmd            `cmd:"" aliases:"p" help:"clean orphaned interchange dirs and interfaces"`
	Clean      CleanCmd            `cmd:"" aliases:"c" help:"clean results of a prior run"`
	Export     ExportCmd           `cmd:"" aliases:"e" help:"export collected series"`
	Attach     AttachCmd           `cmd:"" aliases:"a" help:"attach to an Instance's serial console"`
	Completion kongcompletion.Cmd  `cmd:"" help:"print a shell completion script"`
}

func (c *CLI) initSlog() {
	level := slog.LevelInfo
	switch {
	case c.VVerbose:
		level = slog.LevelDebug
	case c.Verbose:
		level = slog.LevelInfo
	default:
		switch c.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	var out io.Writer = os.Stderr
	if c.LogFile != "" {
		// Long-lived runs (a `ptb run` spanning hours of experiment time)
		// would otherwise grow one unbounded log file; rotate the way
		// lumberjack does it across the corpus.
		out = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: c.VVerbose || c.Verbose,
	}))
	slog.SetDefault(logger)
}

func (c *CLI) resolveExperiment() string {
	if c.Experiment != "" {
		return c.Experiment
	}
	seed := time.Now().UTC().UnixNano()
	return namegenerator.NewNameGenerator(seed).Generate()
}

func (c *CLI) resolveMetrics() metrics.Config {
	if c.InfluxDB != "" {
		cfg, err := metrics.LoadConfig(c.InfluxDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ptb: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return metrics.ConfigFromEnv()
}

const description = `Run and manage networked virtual-machine testbeds.

A testbed package declares a set of Instances, the virtual networks
joining them, and the Applications each Instance runs; ptb brings the
network fabric and hypervisors up, drives each Instance through its
bring-up/experiment/teardown lifecycle, and collects the resulting
telemetry.`

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, filepath.Join("/etc/ptb", "config.yaml"), "~/.ptb.yaml"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Vars{"version": version.Get().String()},
	)
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.initSlog()

	stateBase := cli.StateBase
	if stateBase == "" {
		stateBase = statedir.DefaultBase
	}

	appCtx := &Context{
		StateBase:     stateBase,
		Sudo:          cli.Sudo,
		Experiment:    cli.resolveExperiment(),
		MetricsConfig: cli.resolveMetrics(),
		OTLPEndpoint:  cli.OTLP,
	}

	err = kctx.Run(appCtx)
	kctx.FatalIfErrorf(err)
}
