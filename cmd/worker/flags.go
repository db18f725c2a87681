package main

import (
	"flag"
	"fmt"
	"os"
)

type workerFlags struct {
	configPath     string
	nodeID         string
	secretArg      string
	rateLimitRPS   int
	rateLimitBurst int
}

func newWorkerFlags(args []string) *workerFlags {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	f := &workerFlags{}
	fs.StringVar(&f.configPath, "config", "", "path to the node configuration document (required)")
	fs.StringVar(&f.nodeID, "node-id", "", "node_id this process serves, per the config document (required)")
	fs.StringVar(&f.secretArg, "secret", "", "shared secret override (takes precedence over env resolution)")
	fs.IntVar(&f.rateLimitRPS, "rate-limit-rps", 0, "per-IP submit rate limit in requests/sec, 0 disables it")
	fs.IntVar(&f.rateLimitBurst, "rate-limit-burst", 5, "per-IP submit rate limit burst size")

	if err := fs.Parse(args); err != nil {
		return nil
	}
	if f.configPath == "" || f.nodeID == "" {
		fmt.Fprintln(os.Stderr, "--config and --node-id are required")
		fs.Usage()
		return nil
	}
	return f
}
