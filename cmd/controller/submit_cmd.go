package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mindburnlabs/renderdispatch/internal/scheduler"
)

func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to the node configuration document (required)")
	secretArg := fs.String("secret", "", "shared secret override")
	runID := fs.String("run-id", "", "run_id, defaults to a generated UUID")
	jobID := fs.String("job-id", "", "job_id, defaults to a generated UUID")
	stepName := fs.String("step-name", "", "step_name to execute (required)")
	payloadJSON := fs.String("payload-json", "", "inline JSON payload object")
	payloadFile := fs.String("payload-file", "", "path to a JSON payload file")
	requirementsJSON := fs.String("requirements-json", "", "inline JSON requirements object")
	requirementsFile := fs.String("requirements-file", "", "path to a JSON requirements file")
	inputsHash := fs.String("inputs-hash", "", "override the computed inputs_hash")
	force := fs.Bool("force", false, "bypass the local fallback cache")
	noLocalFallback := fs.Bool("no-local-fallback", false, "fail instead of falling back to local execution")
	if err := fs.Parse(args); err != nil {
		return 3
	}
	if *stepName == "" {
		fmt.Fprintln(stderr, "--step-name is required")
		return 3
	}

	payload, err := loadJSONObject(*payloadJSON, *payloadFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}
	requirements, err := loadJSONObject(*requirementsJSON, *requirementsFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}

	e, err := buildEnv(*configPath, *secretArg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 3
	}
	e.registerAllCaps()

	req := scheduler.Request{
		RunID:              orGenerated(*runID),
		JobID:              orGenerated(*jobID),
		StepName:           *stepName,
		Payload:            payload,
		Requirements:       requirements,
		InputsHash:         *inputsHash,
		Force:              *force,
		AllowLocalFallback: !*noLocalFallback,
	}

	res, err := e.newScheduler().Submit(context.Background(), req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	data, _ := json.Marshal(map[string]any{
		"ok":            res.Status != "failed",
		"mode":          res.Mode,
		"node_id":       res.NodeID,
		"status":        res.Status,
		"exit_code":     res.ExitCode,
		"receipt_path":  res.ReceiptPath,
		"idempotent":    res.Idempotent,
		"cached_job_id": res.CachedJobID,
		"message":       res.Message,
	})
	fmt.Fprintln(stdout, string(data))

	if res.Message != "" || res.Status != "succeeded" {
		return 2
	}
	return 0
}

func orGenerated(v string) string {
	if v != "" {
		return v
	}
	return uuid.New().String()
}

func loadJSONObject(inline, path string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", path, err)
		}
		raw = data
	default:
		return map[string]any{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse JSON object: %w", err)
	}
	return obj, nil
}
