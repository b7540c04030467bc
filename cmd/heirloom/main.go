// Command heirloom is the offline-first client for a Heirloom family archive.
// Edits land in a local cache and are replayed against the API by sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "heirloom:", err)
		os.Exit(1)
	}
}
