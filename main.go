// udfdebug collects debug output that UDFs send over TCP and prints
// every line prefixed with the sender's address.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"udfdebug/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "udfdebug: %v\n", err)
		os.Exit(1)
	}
}
