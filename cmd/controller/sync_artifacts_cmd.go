package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runSyncArtifactsCmd re-polls a job already known to a worker and
// re-downloads its receipt and artifacts, for operator recovery when a
// local receipt was lost or never wrote successfully after a prior submit.
func runSyncArtifactsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync-artifacts", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to the node configuration document (required)")
	secretArg := fs.String("secret", "", "shared secret override")
	nodeID := fs.String("node-id", "", "node_id the job was submitted to (required)")
	runID := fs.String("run-id", "", "run_id (required)")
	jobID := fs.String("job-id", "", "job_id (required)")
	stepName := fs.String("step-name", "", "step_name the job ran (required)")
	inputsHash := fs.String("inputs-hash", "", "the job's original inputs_hash (required)")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *configPath == "" || *nodeID == "" || *runID == "" || *jobID == "" || *stepName == "" || *inputsHash == "" {
		fmt.Fprintln(stderr, "--config, --node-id, --run-id, --job-id, --step-name, and --inputs-hash are all required")
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

	rec, err := e.newReconciler().Reconcile(context.Background(), node, *runID, *jobID, *stepName, *inputsHash)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	data, _ := json.Marshal(map[string]any{
		"ok":             rec.Status == "succeeded",
		"status":         rec.Status,
		"exit_code":      rec.ExitCode,
		"artifact_count": len(rec.Artifacts),
	})
	fmt.Fprintln(stdout, string(data))

	if rec.Status != "succeeded" {
		return 2
	}
	return 0
}
