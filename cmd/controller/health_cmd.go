package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the node configuration document (required)")
	secretArg := fs.String("secret", "", "shared secret override")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "--config is required")
		return 3
	}

	e, err := buildEnv(*configPath, *secretArg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}

	report := e.reg.Healthcheck(context.Background())
	data, _ := json.Marshal(report)
	fmt.Fprintln(stdout, string(data))

	if !report.OK {
		return 2
	}
	return 0
}
