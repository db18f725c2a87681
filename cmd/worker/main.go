// Command worker runs the dispatch core's worker HTTP server (spec §4.7):
// it accepts signed job submissions, runs them through the dispatch table,
// and serves status/log/artifact reads back to the controller.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/config"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/logging"
	"github.com/mindburnlabs/renderdispatch/internal/queue"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
	"github.com/mindburnlabs/renderdispatch/internal/workerapi"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := newWorkerFlags(args)
	if flags == nil {
		return 2
	}

	doc, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	secret, err := config.ResolveSecret(flags.secretArg, doc.Auth)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	self, ok := findNode(doc.Nodes, flags.nodeID)
	if !ok {
		fmt.Fprintf(os.Stderr, "config does not declare a node with node_id %q\n", flags.nodeID)
		return 2
	}

	log := logging.New("worker", "node_id", self.NodeID)

	stateDir := doc.StateDir
	if stateDir == "" {
		stateDir = "state"
	}
	store := receipts.NewStore(stateDir)

	table := dispatch.NewTable()
	dispatch.RegisterReferenceHandlers(table)

	q := queue.New(queue.Config{
		WorkerID:      self.NodeID,
		WorkspaceRoot: stateDir,
		Table:         table,
		Store:         store,
		Logger:        log,
	})
	q.Start()
	defer q.Stop()

	caps := buildCapabilities(table)
	srv := workerapi.New(&workerapi.Server{
		Queue:  q,
		Store:  store,
		Table:  table,
		Secret: secret,
		Caps:   caps,
		Log:    log,
	}, flags.rateLimitRPS, flags.rateLimitBurst)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", self.Port),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("worker listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("worker server failed", "error", err)
			return 1
		}
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func findNode(nodes []registry.Node, nodeID string) (registry.Node, bool) {
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return registry.Node{}, false
}

// buildCapabilities reports the running process's OS and the dispatch
// table's registered steps, spec §3's capability report.
func buildCapabilities(table *dispatch.Table) registry.Capabilities {
	return registry.Capabilities{
		"os":              runtime.GOOS,
		"supported_steps": table.Steps(),
	}
}
