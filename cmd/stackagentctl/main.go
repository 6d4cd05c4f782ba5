// Command stackagentctl is a local operator tool for driving the stack
// agent's engine directly: inspecting stack status, forcing a reconcile
// pass from a JSON request file, and running retention pruning by hand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"silexa/agents/stackagent/agent"
	"silexa/agents/stackagent/internal/engine"
)

const usageText = "usage: stackagentctl <status|reconcile|prune> [args...]"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	var err error
	switch cmd {
	case "status":
		err = cmdStatus(args)
	case "reconcile":
		err = cmdReconcile(args)
	case "prune":
		err = cmdPrune(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("error: %v", err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(usageText)
	fmt.Println("  stackagentctl status --root <dir> [--name <stack>] [--yaml]")
	fmt.Println("  stackagentctl reconcile --root <dir> --request <file.json>")
	fmt.Println("  stackagentctl prune --root <dir> --name <stack> --keep <n> [--max-age <duration>]")
}

func newEngine(root string) *engine.Engine {
	return engine.New(engine.Options{Root: root})
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	root := fs.String("root", "", "storage root directory")
	name := fs.String("name", "", "single stack name (default: all)")
	asYAML := fs.Bool("yaml", false, "emit yaml instead of json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*root) == "" {
		return fmt.Errorf("--root is required")
	}
	eng := newEngine(*root)

	names := []string{}
	if strings.TrimSpace(*name) != "" {
		names = append(names, *name)
	} else {
		listed, err := eng.ListStacks()
		if err != nil {
			return err
		}
		names = listed
	}

	report := make(map[string]engine.Status, len(names))
	for _, n := range names {
		st, err := eng.GetStatus(n)
		if err != nil {
			return fmt.Errorf("status for %s: %w", n, err)
		}
		report[n] = st
	}
	return printReport(report, *asYAML)
}

func printReport(report map[string]engine.Status, asYAML bool) error {
	if asYAML {
		raw, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		os.Stdout.Write(raw)
		return nil
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if isColorTerminal() {
		highlightStates(report)
	}
	fmt.Println(string(raw))
	return nil
}

// highlightStates prints a short colorized one-line-per-stack summary ahead
// of the JSON body, when stdout is an interactive terminal.
func highlightStates(report map[string]engine.Status) {
	for name, st := range report {
		paint := color.New(color.FgGreen)
		switch st.DeploymentState {
		case "failed":
			paint = color.New(color.FgRed)
		case "rollback", "installing", "activating", "starting":
			paint = color.New(color.FgYellow)
		}
		paint.Printf("%-24s %s\n", name, st.DeploymentState)
	}
}

func isColorTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func cmdReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	root := fs.String("root", "", "storage root directory")
	requestPath := fs.String("request", "", "path to a JSON-encoded reconcile request")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*root) == "" || strings.TrimSpace(*requestPath) == "" {
		return fmt.Errorf("--root and --request are required")
	}
	raw, err := os.ReadFile(*requestPath) // #nosec G304 -- operator-supplied path from the CLI invocation.
	if err != nil {
		return fmt.Errorf("read request file: %w", err)
	}
	var req agent.ReconcileRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode request file: %w", err)
	}

	core, err := agent.NewCore(agent.Config{Root: *root, HeartbeatInterval: time.Minute})
	if err != nil {
		return err
	}
	resp, err := core.Reconcile(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	return nil
}

func cmdPrune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	root := fs.String("root", "", "storage root directory")
	name := fs.String("name", "", "stack name")
	keep := fs.Int("keep", 3, "number of release directories to retain")
	maxAge := fs.Duration("max-age", 0, "drop anything older than this, even within --keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*root) == "" || strings.TrimSpace(*name) == "" {
		return fmt.Errorf("--root and --name are required")
	}
	eng := newEngine(*root)
	result, err := eng.Prune(*name, *keep, *maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d removed=%v protected=%v\n", result.Scanned, result.Removed, result.Protected)
	return nil
}
