// enclave-worker hosts exactly one plugin shared object. It is spawned by
// the enclaved manager, never run by hand:
//
//	enclave-worker --plugin <path> --endpoint <socket> --name <name>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/enclave-dev/enclave/worker"
)

func main() {
	var (
		pluginPath = flag.String("plugin", "", "path to the plugin shared object")
		endpoint   = flag.String("endpoint", "", "host unix socket path")
		name       = flag.String("name", "", "plugin name")
	)
	flag.Parse()

	if *pluginPath == "" || *endpoint == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "usage: enclave-worker --plugin <path> --endpoint <socket> --name <name>")
		os.Exit(2)
	}

	// SIGTERM from the host cancels the context handed to hooks; the
	// shutdown message on the channel remains the normal exit path.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx, *pluginPath, *endpoint, *name); err != nil {
		fmt.Fprintf(os.Stderr, "enclave-worker: %v\n", err)
		os.Exit(1)
	}
}
