// halovital-admin is the operator console for a HaloVital data directory.
// It opens the core directly (no daemon involved), so run it only while the
// application itself is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	halovitalcore "github.com/halovital/halovital-core"
	"github.com/halovital/halovital-core/core/guardrail"
	"github.com/halovital/halovital-core/core/outbox"
	"github.com/halovital/halovital-core/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	// The console is a maintenance tool, keep its own log output quiet.
	cfg.Logger.Level = "warn"
	cfg.Logger.Format = "console"

	ctx := context.Background()
	core, err := halovitalcore.Open(ctx, cfg, halovitalcore.Options{})
	if err != nil {
		if blocked, ok := err.(*halovitalcore.BlockedError); ok {
			printGuardrail(blocked.Result)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "failed to open core: %v\n", err)
		os.Exit(1)
	}
	defer core.Close(ctx)

	args := flag.Args()
	if len(args) > 0 {
		processCommand(ctx, core, args)
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "halovital> ",
		HistoryFile:     "/tmp/halovital_admin_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("HaloVital admin console. Data dir: %s. Type 'help' for commands.\n", cfg.DataDir)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmdArgs := strings.Fields(line)
		if cmdArgs[0] == "exit" || cmdArgs[0] == "quit" {
			return
		}
		processCommand(ctx, core, cmdArgs)
	}
}

// processCommand handles a single command, either from args or the console.
func processCommand(ctx context.Context, core *halovitalcore.Core, args []string) {
	switch strings.ToLower(args[0]) {
	case "status":
		cmdStatus(ctx, core)
	case "pending":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Println("Error: pending takes an optional numeric limit.")
				return
			}
			limit = n
		}
		cmdPending(ctx, core, limit)
	case "count":
		n, err := core.PendingCount(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Pending operations: %d\n", n)
	case "export":
		cmdExport(ctx, core, args[1:])
	case "retry-failed":
		n, err := core.RetryAllFailed(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Requeued %d failed operation(s).\n", n)
	case "clear-failed":
		if err := core.ClearFailedOps(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Failed operations cleared.")
	case "force-unlock":
		if err := core.ForceReleaseLock(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Processing lock cleared.")
	case "rebuild-index":
		if err := core.RebuildIndex(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Selection index rebuilt.")
	case "enqueue":
		cmdEnqueue(ctx, core, args[1:])
	case "journal":
		ids, err := core.Journal().PendingTransactionIDs(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(ids) == 0 {
			fmt.Println("Journal is clean, no interrupted transactions.")
			return
		}
		for _, id := range ids {
			fmt.Printf("  interrupted txn %s\n", id)
		}
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  status                         guardrail and queue summary")
		fmt.Println("  pending [n]                    list pending operations in send order")
		fmt.Println("  count                          pending-operation counter")
		fmt.Println("  export [file]                  dump pending and failed ops as JSON lines")
		fmt.Println("  retry-failed                   requeue everything in the failed store")
		fmt.Println("  clear-failed                   empty the failed store")
		fmt.Println("  force-unlock                   clear the processing lock")
		fmt.Println("  rebuild-index                  rescan and rebuild the selection index")
		fmt.Println("  enqueue <entityType> <entityId> <opType> <priority> <payload-json>")
		fmt.Println("  journal                        list interrupted transaction ids")
		fmt.Println("  exit / quit")
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
}

func cmdStatus(ctx context.Context, core *halovitalcore.Core) {
	result := core.LastGuardrailResult()
	printGuardrail(result)

	pending, err := core.PendingCount(ctx)
	if err != nil {
		fmt.Printf("Error reading pending count: %v\n", err)
		return
	}
	locked, err := core.IsLocked(ctx)
	if err != nil {
		fmt.Printf("Error reading lock state: %v\n", err)
		return
	}
	fmt.Printf("Pending operations:  %d\n", pending)
	fmt.Printf("Processing lock:     held=%v\n", locked)
	fmt.Printf("Recovered at boot:   %d transaction(s)\n", core.RecoveredTransactions())
}

func printGuardrail(result *guardrail.Result) {
	fmt.Printf("Guardrail status:    %s\n", result.Status)
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, a := range result.Actions {
		destructive := ""
		if a.Destructive {
			destructive = " (destructive)"
		}
		fmt.Printf("  action: %s%s\n", a.Kind, destructive)
	}
}

func cmdPending(ctx context.Context, core *halovitalcore.Core, limit int) {
	ops, err := core.ViewPendingOperations(ctx, limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(ops) == 0 {
		fmt.Println("No pending operations.")
		return
	}
	for _, op := range ops {
		fmt.Printf("  %s  %-10s %-16s attempts=%d next=%s\n",
			op.OpID, op.Priority, op.OpType, op.Attempts,
			op.NextEligibleAt.Format(time.RFC3339))
	}
}

func cmdExport(ctx context.Context, core *halovitalcore.Core, args []string) {
	var w io.Writer = os.Stdout
	if len(args) > 0 {
		f, err := os.Create(args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		defer f.Close()
		w = f
		fmt.Printf("Exporting to %s\n", args[0])
	}
	if err := core.ExportOperations(ctx, w); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func cmdEnqueue(ctx context.Context, core *halovitalcore.Core, args []string) {
	if len(args) < 5 {
		fmt.Println("Error: enqueue requires <entityType> <entityId> <opType> <priority> <payload-json>.")
		return
	}
	pri, err := outbox.ParsePriority(args[3])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	op := &outbox.PendingOperation{
		OpID:       uuid.NewString(),
		EntityType: args[0],
		EntityID:   args[1],
		OpType:     args[2],
		Priority:   pri,
		Payload:    []byte(strings.Join(args[4:], " ")),
	}
	if err := core.Enqueue(ctx, op); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Enqueued %s (%s, %s).\n", op.OpID, op.OpType, op.Priority)
}
