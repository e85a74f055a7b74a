package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var escrowRPCCall = callEscrowRPC

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "submit":
		return runEscrowActorCall(args[1:], stdout, stderr, "escrow submit", "escrow_submitMilestone")
	case "approve":
		return runEscrowActorCall(args[1:], stdout, stderr, "escrow approve", "escrow_approveMilestone")
	case "dispute":
		return runEscrowActorCall(args[1:], stdout, stderr, "escrow dispute", "escrow_raiseDispute")
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "milestone":
		return runEscrowMilestone(args[1:], stdout, stderr)
	case "count":
		return runEscrowCount(args[1:], stdout, stderr)
	case "next-id":
		return runEscrowNextID(stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return `Usage: escrow-cli escrow <subcommand> [flags]

Subcommands:
  create     create and fund a new escrow
  submit     submit a milestone as the contractor
  approve    approve a submitted milestone as the client
  dispute    raise a dispute on a submitted milestone
  resolve    resolve a dispute as the arbitrator
  get        fetch an escrow snapshot
  milestone  fetch a single milestone
  count      fetch the milestone count for an escrow
  next-id    show the next escrow identifier
  events     list the most recent ledger events`
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printEscrowError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow create", stderr)
	var (
		caller       string
		contractor   string
		arbitrator   string
		descriptions string
		amounts      string
		funded       string
	)
	fs.StringVar(&caller, "caller", "", "client bech32 address funding the escrow")
	fs.StringVar(&contractor, "contractor", "", "contractor bech32 address")
	fs.StringVar(&arbitrator, "arbitrator", "", "arbitrator bech32 address")
	fs.StringVar(&descriptions, "descriptions", "", "comma-separated milestone descriptions")
	fs.StringVar(&amounts, "amounts", "", "comma-separated milestone amounts")
	fs.StringVar(&funded, "funded", "", "total value attached, must equal the amount sum")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	if contractor == "" {
		return printEscrowError(stderr, "--contractor is required")
	}
	if arbitrator == "" {
		return printEscrowError(stderr, "--arbitrator is required")
	}
	if descriptions == "" || amounts == "" {
		return printEscrowError(stderr, "--descriptions and --amounts are required")
	}
	if funded == "" {
		return printEscrowError(stderr, "--funded is required")
	}
	descList := splitCSV(descriptions)
	amountList := splitCSV(amounts)
	if len(descList) != len(amountList) {
		return printEscrowError(stderr, "descriptions and amounts must have the same length")
	}
	params := map[string]interface{}{
		"caller":       caller,
		"contractor":   contractor,
		"arbitrator":   arbitrator,
		"descriptions": descList,
		"amounts":      amountList,
		"funded":       funded,
	}
	return renderEscrowCall(stdout, stderr, "escrow_create", params, true)
}

func runEscrowActorCall(args []string, stdout, stderr io.Writer, name, method string) int {
	fs := newEscrowFlagSet(name, stderr)
	var (
		id     uint64
		index  uint64
		caller string
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.Uint64Var(&index, "index", 0, "milestone index")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": id, "index": index, "caller": caller}
	return renderEscrowCall(stdout, stderr, method, params, true)
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow resolve", stderr)
	var (
		id      uint64
		index   uint64
		caller  string
		approve bool
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.Uint64Var(&index, "index", 0, "milestone index")
	fs.StringVar(&caller, "caller", "", "arbitrator bech32 address")
	fs.BoolVar(&approve, "approve", false, "rule in favour of the contractor and release funds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if caller == "" {
		return printEscrowError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": id, "index": index, "caller": caller, "approve": approve}
	return renderEscrowCall(stdout, stderr, "escrow_resolveDispute", params, true)
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return renderEscrowCall(stdout, stderr, "escrow_get", map[string]interface{}{"id": id}, false)
}

func runEscrowMilestone(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow milestone", stderr)
	var (
		id    uint64
		index uint64
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.Uint64Var(&index, "index", 0, "milestone index")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return renderEscrowCall(stdout, stderr, "escrow_getMilestone", map[string]interface{}{"id": id, "index": index}, false)
}

func runEscrowCount(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow count", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return renderEscrowCall(stdout, stderr, "escrow_getMilestoneCount", map[string]interface{}{"id": id}, false)
}

func runEscrowNextID(stdout, stderr io.Writer) int {
	return renderEscrowCall(stdout, stderr, "escrow_nextId", map[string]interface{}{}, false)
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow events", stderr)
	var (
		prefix string
		limit  int
	)
	fs.StringVar(&prefix, "prefix", "", "optional event type prefix filter")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return renderEscrowCall(stdout, stderr, "escrow_listEvents", map[string]interface{}{"prefix": prefix, "limit": limit}, false)
}

func renderEscrowCall(stdout, stderr io.Writer, method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := escrowRPCCall(method, params, requireAuth)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if rpcErr != nil {
		detail := rpcErr.Message
		if len(rpcErr.Data) > 0 {
			detail = fmt.Sprintf("%s: %s", rpcErr.Message, strings.Trim(string(rpcErr.Data), `"`))
		}
		return printEscrowError(stderr, detail)
	}
	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func formatKeyBytes(b []byte) string {
	return hex.EncodeToString(b)
}
