// acp-echo is a deterministic ACP agent speaking over stdin/stdout. It lets
// the acp provider run end to end without a model.
//
// Usage:
//
//	taskrelay serve --acp-command acp-echo
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ricochet1k/taskrelay/internal/provider/acp/echoagent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	echoagent.Serve(ctx, os.Stdout, os.Stdin)
}
