// Command fluxgraph runs the workflow engine as a service, executes a single
// workflow file, or inspects stored executions.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/internal/logging"
)

const usage = `fluxgraph - durable workflow engine

Usage:
  %[1]s serve   [-config file]            run the HTTP API and workers
  %[1]s run     [-config file] -f wf.yaml  execute one workflow and print the result
  %[1]s inspect [-config file] -id ID     show a stored execution
  %[1]s config                           print the default configuration

Run '%[1]s <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = serveCmd(args)
	case "run":
		err = runCmd(args)
	case "inspect":
		err = inspectCmd(args)
	case "config":
		fmt.Print(config.DefaultYAML())
	case "-h", "--help", "help":
		fmt.Fprintf(os.Stdout, usage, os.Args[0])
	default:
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by -config, applies FLUXGRAPH_*
// overrides and sets up logging and GOMAXPROCS.
func loadConfig(path string, overrides func(*config.Config)) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, nil, err
	}
	if overrides != nil {
		overrides(&cfg)
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Format, level)
	if err != nil {
		return config.Config{}, nil, err
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("set GOMAXPROCS", "error", err)
	}
	return cfg, logger, nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("FLUXGRAPH_CONFIG"), "Path to the YAML configuration file")
}
