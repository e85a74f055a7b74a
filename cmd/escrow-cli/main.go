package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
	switch args[0] {
	case "escrow":
		os.Exit(runEscrowCommand(args[1:], os.Stdout, os.Stderr))
	case "keygen":
		os.Exit(runKeygen(os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		fmt.Fprintln(os.Stdout, usage())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
}

func usage() string {
	return `Usage: escrow-cli <command> [args]

Commands:
  escrow   interact with the escrow ledger (create, submit, approve, dispute, resolve, get, milestone, count, next-id, events)
  keygen   generate a new key pair and print the bech32 address

Environment:
  ESCROWD_RPC_URL    RPC endpoint (default http://127.0.0.1:8645)
  ESCROWD_RPC_TOKEN  bearer token for mutating calls`
}
