package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func inspectCmd(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Execution ID")
	workflowID := fs.String("workflow", "", "List executions of this workflow instead")
	showLogs := fs.Bool("logs", false, "Print the execution log")
	_ = fs.Parse(args)

	if *id == "" && *workflowID == "" {
		fs.Usage()
		return fmt.Errorf("-id or -workflow is required")
	}

	cfg, logger, err := loadConfig(*cfgPath, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if *id == "" {
		execs, err := rt.engine.ListExecutions(ctx, api.ExecutionFilter{WorkflowID: *workflowID})
		if err != nil {
			return err
		}
		for _, e := range execs {
			fmt.Printf("%s  v%d  %-15s %s\n", e.ID, e.WorkflowVersion, e.Status, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	exec, err := rt.engine.GetExecution(ctx, *id)
	if err != nil {
		return err
	}

	printer := pp.New()
	printer.SetOutput(os.Stdout)
	printer.SetColoringEnabled(!color.NoColor)
	printer.Println(exec)

	timeline, err := rt.engine.Timeline(ctx, exec.ID)
	if err != nil {
		return err
	}
	printTimeline(timeline)

	children, err := rt.engine.Children(ctx, exec.ID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		color.Magenta("\nChildren:")
		for _, c := range children {
			fmt.Printf("  %-24s %s  %s\n", c.ParentNodeID, c.ChildExecutionID, c.Status)
		}
	}

	if *showLogs {
		logs, err := rt.engine.Logs(ctx, exec.ID)
		if err != nil {
			return err
		}
		color.Magenta("\nLog:")
		for _, l := range logs {
			fmt.Printf("  %s  %-22s %-20s %s\n", l.At.Format("15:04:05.000"), l.Type, l.NodeID, l.Detail)
		}
	}
	return nil
}
