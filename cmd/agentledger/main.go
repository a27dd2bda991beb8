// Command agentledger manages per-agent hash-linked ledgers, checkpoint
// epochs and mint receipts.
package main

import (
	"context"
	"os"

	"github.com/roach88/agentledger/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
