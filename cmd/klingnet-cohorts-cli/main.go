// klingnet-cohorts-cli is a command-line client for the klingnet-cohortsd
// query API.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-cohorts/internal/rpcclient"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:9474"

	// Scan for --rpc before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "list":
		cmdList(client, cmdArgs)
	case "supply":
		cmdSupply(client, cmdArgs)
	case "realized":
		cmdRealized(client, cmdArgs)
	case "unrealized":
		cmdUnrealized(client, cmdArgs)
	case "rollup":
		cmdRollup(client, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingnet-cohorts-cli [global flags] <command> [args]

Global flags:
  --rpc <url>         Query API endpoint (default: http://127.0.0.1:9474)

Commands:
  status                            Show committed height and ledger count
  list [prefix]                     List ledgers, e.g. "list addr/"
  supply <ledger> [height]          Show supply, UTXO and address counts
  realized <ledger> [height]        Show realized cap, profit and loss
  unrealized <ledger> [height]      Show unrealized profit and loss
  rollup <ledger> <metric> [height] Show a derived series value

Heights default to the last committed height.
`)
}

// heightArg parses an optional height argument at position i.
func heightArg(args []string, i int) *uint64 {
	if len(args) <= i {
		return nil
	}
	h, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		fatal("invalid height %q", args[i])
	}
	return &h
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.Info()
	if err != nil {
		fatal("cohorts_getInfo: %v", err)
	}
	fmt.Printf("Height:   %d\n", info.Height)
	fmt.Printf("Ledgers:  %d\n", info.Ledgers)
	fmt.Printf("Priced:   %t\n", info.Priced)
}

// ── list ────────────────────────────────────────────────────────────────

func cmdList(client *rpcclient.Client, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ledgers, err := client.List(prefix)
	if err != nil {
		fatal("cohorts_list: %v", err)
	}
	for _, l := range ledgers {
		fmt.Printf("%-48s %s\n", l.Name, l.Kind)
	}
}

// ── supply ──────────────────────────────────────────────────────────────

func cmdSupply(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cohorts-cli supply <ledger> [height]")
	}
	sup, err := client.Supply(args[0], heightArg(args, 1))
	if err != nil {
		fatal("cohorts_getSupply: %v", err)
	}
	fmt.Printf("Ledger:     %s\n", sup.Ledger)
	fmt.Printf("Height:     %d\n", sup.Height)
	fmt.Printf("Supply:     %.8f BTC (%d sats)\n", sup.BTC, sup.Sats)
	fmt.Printf("UTXOs:      %d\n", sup.UTXOCount)
	if strings.HasPrefix(sup.Ledger, "addr/") {
		fmt.Printf("Addresses:  %d\n", sup.AddrCount)
	}
}

// ── realized ────────────────────────────────────────────────────────────

func cmdRealized(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cohorts-cli realized <ledger> [height]")
	}
	r, err := client.Realized(args[0], heightArg(args, 1))
	if err != nil {
		fatal("cohorts_getRealized: %v", err)
	}
	fmt.Printf("Ledger:           %s\n", r.Ledger)
	fmt.Printf("Height:           %d\n", r.Height)
	fmt.Printf("Realized cap:     $%.2f\n", r.Cap)
	fmt.Printf("Realized profit:  $%.2f\n", r.Profit)
	fmt.Printf("Realized loss:    $%.2f\n", r.Loss)
	fmt.Printf("Value created:    $%.2f\n", r.ValueCreated)
	fmt.Printf("Value destroyed:  $%.2f\n", r.ValueDestroyed)
}

// ── unrealized ──────────────────────────────────────────────────────────

func cmdUnrealized(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingnet-cohorts-cli unrealized <ledger> [height]")
	}
	u, err := client.Unrealized(args[0], heightArg(args, 1))
	if err != nil {
		fatal("cohorts_getUnrealized: %v", err)
	}
	fmt.Printf("Ledger:            %s\n", u.Ledger)
	fmt.Printf("Height:            %d\n", u.Height)
	fmt.Printf("Supply in profit:  %d sats\n", u.SupplyInProfit)
	fmt.Printf("Supply in loss:    %d sats\n", u.SupplyInLoss)
	fmt.Printf("Supply even:       %d sats\n", u.SupplyEven)
	fmt.Printf("Unrealized profit: $%.2f\n", u.Profit)
	fmt.Printf("Unrealized loss:   $%.2f\n", u.Loss)
	fmt.Printf("Cost basis range:  $%.2f - $%.2f\n", u.MinPrice, u.MaxPrice)
}

// ── rollup ──────────────────────────────────────────────────────────────

func cmdRollup(client *rpcclient.Client, args []string) {
	if len(args) < 2 {
		fatal("Usage: klingnet-cohorts-cli rollup <ledger> <metric> [height]")
	}
	v, err := client.RollupValue(args[0], args[1], heightArg(args, 2))
	if err != nil {
		fatal("rollup_getValue: %v", err)
	}
	fmt.Printf("%s/%s @ %d = %g\n", v.Ledger, v.Metric, v.Height, v.Value)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
