package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"
)

func runCapsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("caps", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the node configuration document (required)")
	secretArg := fs.String("secret", "", "shared secret override")
	nodeID := fs.String("node-id", "", "node_id to register capabilities with (required)")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *configPath == "" || *nodeID == "" {
		fmt.Fprintln(stderr, "--config and --node-id are required")
		return 3
	}

	e, err := buildEnv(*configPath, *secretArg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}

	node, ok := findNode(e.doc.Nodes, *nodeID)
	if !ok {
		fmt.Fprintf(stderr, "no node with node_id %q in config\n", *nodeID)
		return 3
	}

	caps, err := e.reg.RegisterCaps(context.Background(), node, time.Now())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	data, _ := json.Marshal(map[string]any{"ok": true, "caps": caps})
	fmt.Fprintln(stdout, string(data))
	return 0
}
