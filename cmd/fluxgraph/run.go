package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/petrijr/fluxgraph"
	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

// stringSlice collects a repeatable flag.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// parseInputs turns key=value pairs into trigger data. Values are parsed as
// JSON when possible and kept as strings otherwise.
func parseInputs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		out[key] = parsed
	}
	return out, nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	file := fs.String("f", "", "Workflow definition file (YAML or JSON)")
	var inputs stringSlice
	fs.Var(&inputs, "input", "Trigger input as key=value (repeatable)")
	timeout := fs.Duration("timeout", 0, "Give up after this long (e.g. 30s)")
	asJSON := fs.Bool("json", false, "Print the execution as JSON")
	persist := fs.Bool("persist", false, "Use the configured database instead of memory")
	_ = fs.Parse(args)

	if *file == "" {
		fs.Usage()
		return fmt.Errorf("workflow file is required")
	}
	data, err := parseInputs(inputs)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(*cfgPath, func(c *config.Config) {
		if !*persist {
			c.Database.Driver = config.DriverMemory
		}
		c.Workflows = nil
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	def, err := fluxgraph.LoadDefinitionFile(*file)
	if err != nil {
		return err
	}
	if def, err = rt.engine.RegisterWorkflow(ctx, def); err != nil {
		return err
	}
	color.Cyan("Workflow: %s (version %d)", def.ID, def.Version)

	exec, err := rt.engine.CreateExecution(ctx, def.ID, data, api.CreateOptions{})
	if err != nil {
		return err
	}
	color.Green("Starting execution %s", exec.ID)

	start := time.Now()
	exec, err = drive(ctx, rt, exec.ID)
	if err != nil {
		return err
	}
	return printResult(rt, exec, time.Since(start), *asJSON)
}

// drive polls with an in-process worker until the execution ends or waits
// for a signal nobody will send.
func drive(ctx context.Context, rt *runtime, id string) (*api.WorkflowExecution, error) {
	w := worker.New(rt.engine, worker.Config{Scheduler: rt.scheduler, PollInterval: 20 * time.Millisecond})
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			return nil, err
		}
		exec, err := rt.engine.GetExecution(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() || exec.Status == api.StatusWaitingSignal {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printResult(rt *runtime, exec *api.WorkflowExecution, took time.Duration, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exec)
	}

	color.White("Finished in %v", took.Round(time.Millisecond))
	switch exec.Status {
	case api.StatusCompleted:
		color.Green("Status: %s", exec.Status)
	case api.StatusWaitingSignal:
		color.Yellow("Status: %s (signal %q)", exec.Status, exec.State.WaitingSignal)
	default:
		color.Red("Status: %s", exec.Status)
	}
	if exec.Error != "" {
		color.Red("Error: %s", exec.Error)
	}

	timeline, err := rt.engine.Timeline(context.Background(), exec.ID)
	if err != nil {
		return err
	}
	printTimeline(timeline)

	if len(exec.State.ExecutionData) > 0 {
		color.Magenta("\nData:")
		for key, value := range exec.State.ExecutionData {
			b, err := json.Marshal(value)
			if err != nil {
				fmt.Printf("  %s: %v\n", key, value)
				continue
			}
			fmt.Printf("  %s: %s\n", key, b)
		}
	}
	if exec.Status == api.StatusFailed || exec.Status == api.StatusTerminated {
		return fmt.Errorf("execution %s %s", exec.ID, exec.Status)
	}
	return nil
}

func printTimeline(entries []api.TimelineEntry) {
	if len(entries) == 0 {
		return
	}
	color.Magenta("\nTimeline:")
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	other := color.New(color.FgYellow).SprintFunc()
	for _, e := range entries {
		status := other(e.Status)
		switch e.Status {
		case "completed":
			status = ok(e.Status)
		case "failed":
			status = bad(e.Status)
		}
		fmt.Printf("  %-24s #%d  %-10s %8v  %s\n", e.NodeID, e.Attempt, status, e.Duration.Round(time.Millisecond), e.Detail)
	}
}
