// fleet-cli is a small operator console for a running fleet-server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"mtfleet/pkg/fleet"
)

const version = "0.1.0"

func main() {
	baseURL := flag.String("server", "http://127.0.0.1:8090", "fleet-server base URL")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fleet-cli [-server URL] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  slots                                List available broker slots\n")
		fmt.Fprintf(os.Stderr, "  status [id]                          Show terminal status (all if no id)\n")
		fmt.Fprintf(os.Stderr, "  add <id> <login> <server> [label]    Add a terminal (password prompted)\n")
		fmt.Fprintf(os.Stderr, "  connect <id>                         Start a terminal's worker\n")
		fmt.Fprintf(os.Stderr, "  disconnect <id>                      Stop a terminal's worker\n")
		fmt.Fprintf(os.Stderr, "  remove <id>                          Remove a terminal\n")
		fmt.Fprintf(os.Stderr, "  data <id>                            Show a terminal's latest snapshot\n")
		fmt.Fprintf(os.Stderr, "  stats <id> [date]                    Show daily stats (default today)\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	client := fleet.NewClient(*baseURL)
	client.Token = os.Getenv("MTFLEET_TOKEN")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("fleet-cli %s\n", version)

	case "slots":
		err = cmdSlots(ctx, client)

	case "status":
		err = cmdStatus(ctx, client, args[1:])

	case "add":
		err = cmdAdd(ctx, client, args[1:])

	case "connect":
		err = withID(args[1:], func(id int) error { return client.Connect(ctx, id) })

	case "disconnect":
		err = withID(args[1:], func(id int) error { return client.Disconnect(ctx, id) })

	case "remove":
		err = withID(args[1:], func(id int) error { return client.Remove(ctx, id) })

	case "data":
		err = cmdData(ctx, client, args[1:])

	case "stats":
		err = cmdStats(ctx, client, args[1:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet-cli: %v\n", err)
		os.Exit(1)
	}
}

func withID(args []string, fn func(int) error) error {
	if len(args) < 1 {
		return fmt.Errorf("terminal id required")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid terminal id %q", args[0])
	}
	return fn(id)
}

func cmdSlots(ctx context.Context, client *fleet.Client) error {
	slots, err := client.AvailableSlots(ctx)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Println("no free slots")
		return nil
	}
	for _, s := range slots {
		fmt.Println(s)
	}
	return nil
}

func cmdStatus(ctx context.Context, client *fleet.Client, args []string) error {
	if len(args) > 0 {
		return withID(args, func(id int) error {
			rec, err := client.Status(ctx, id)
			if err != nil {
				return err
			}
			printStatus(rec.TerminalID, rec.IsConnected, rec.RetryCount, rec.ErrorMessage)
			return nil
		})
	}

	records, err := client.StatusAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		printStatus(rec.TerminalID, rec.IsConnected, rec.RetryCount, rec.ErrorMessage)
	}
	return nil
}

func printStatus(id int, connected bool, retries int, errMsg string) {
	state := "disconnected"
	if connected {
		state = "connected"
	}
	fmt.Printf("terminal %d: %s", id, state)
	if retries > 0 {
		fmt.Printf(" (retries %d)", retries)
	}
	if errMsg != "" {
		fmt.Printf(" - %s", errMsg)
	}
	fmt.Println()
}

// cmdAdd prompts for the password on the terminal so it never lands in
// shell history or the process argv.
func cmdAdd(ctx context.Context, client *fleet.Client, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: add <id> <login> <server> [label]")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid terminal id %q", args[0])
	}
	label := ""
	if len(args) > 3 {
		label = args[3]
	}

	fmt.Fprint(os.Stderr, "password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	tc, err := client.AddTerminal(ctx, id, args[1], string(password), args[2], label)
	if err != nil {
		return err
	}
	fmt.Printf("added terminal %d (%s @ %s)\n", tc.TerminalID, tc.Login, tc.Server)
	return nil
}

func cmdData(ctx context.Context, client *fleet.Client, args []string) error {
	return withID(args, func(id int) error {
		snap, err := client.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("terminal %d (%s)\n", snap.TerminalID, snap.Label)
		fmt.Printf("  balance:      %.2f %s\n", snap.Balance, snap.Currency)
		fmt.Printf("  equity:       %.2f\n", snap.Equity)
		fmt.Printf("  margin:       %.2f (free %.2f)\n", snap.Margin, snap.FreeMargin)
		fmt.Printf("  profit:       %.2f\n", snap.Profit)
		fmt.Printf("  open trades:  %d\n", len(snap.OpenTrades))
		fmt.Printf("  closed today: %d\n", len(snap.ClosedTradesToday))
		fmt.Printf("  as of:        %s\n", snap.Timestamp.Format(time.RFC3339))
		return nil
	})
}

func cmdStats(ctx context.Context, client *fleet.Client, args []string) error {
	return withID(args, func(id int) error {
		date := ""
		if len(args) > 1 {
			date = args[1]
		}
		stats, err := client.DailyStats(ctx, id, date)
		if err != nil {
			return err
		}
		fmt.Printf("terminal %d on %s\n", id, stats.Date)
		fmt.Printf("  trades:       %d (%d won, %d lost)\n", stats.TotalTrades, stats.WinningTrades, stats.LosingTrades)
		fmt.Printf("  win rate:     %.2f%%\n", stats.WinRate)
		fmt.Printf("  total profit: %.2f\n", stats.TotalProfit)
		fmt.Printf("  largest win:  %.2f\n", stats.LargestWin)
		fmt.Printf("  largest loss: %.2f\n", stats.LargestLoss)
		return nil
	})
}
