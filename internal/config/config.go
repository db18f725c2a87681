// Package config loads the node configuration document (spec §6): the JSON
// file describing worker nodes, controller tuning, and where to find the
// shared auth secret. It follows core/pkg/config.Load()'s "explicit
// defaulting, no silent partial success" discipline, applied to a file
// instead of bare environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/apperrors"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
)

// Conventional env vars consulted when auth.secret_env is unset or empty,
// in descending priority after an explicit CLI argument.
const (
	EnvSecretCurrent = "RENDERDISPATCH_SHARED_SECRET_CURRENT"
	EnvSecretDefault = "RENDERDISPATCH_SHARED_SECRET"
)

// Controller holds the controller-side tuning knobs. Spec §6: "optional
// controller: {request_timeout_sec, poll_interval_sec, poll_timeout_sec,
// local_workspace_root}".
type Controller struct {
	RequestTimeoutSec  float64 `json:"request_timeout_sec"`
	PollIntervalSec    float64 `json:"poll_interval_sec"`
	PollTimeoutSec     float64 `json:"poll_timeout_sec"`
	LocalWorkspaceRoot string  `json:"local_workspace_root"`
}

// RequestTimeout, PollInterval and PollTimeout apply spec-matching
// defaults when the document leaves a field unset.
func (c Controller) RequestTimeout() time.Duration {
	return secondsOrDefault(c.RequestTimeoutSec, 30*time.Second)
}

func (c Controller) PollInterval() time.Duration {
	return secondsOrDefault(c.PollIntervalSec, 2*time.Second)
}

func (c Controller) PollTimeout() time.Duration {
	return secondsOrDefault(c.PollTimeoutSec, 900*time.Second)
}

func secondsOrDefault(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

// Auth names which environment variable holds the shared secret.
type Auth struct {
	SecretEnv string `json:"secret_env"`
}

// Document is the raw node configuration file, spec §6's "JSON document
// with at least: nodes: [...], optional state_dir, optional controller:
// {...}, optional auth: {secret_env}".
type Document struct {
	Nodes      []registry.Node `json:"nodes"`
	StateDir   string          `json:"state_dir"`
	Controller Controller      `json:"controller"`
	Auth       Auth            `json:"auth"`
}

// Load reads and parses path into a Document. It does not resolve the
// secret or filter nodes, callers compose ResolveSecret and
// registry.Load themselves, matching the "explicit defaulting, no silent
// partial success" rule: a malformed document is always a fatal error,
// never papered over with zero values.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfigInvalid, fmt.Sprintf("failed to read config file %q", path), err)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfigInvalid, fmt.Sprintf("failed to parse config file %q", path), err)
	}
	if len(doc.Nodes) == 0 {
		return nil, apperrors.New(apperrors.KindConfigInvalid, fmt.Sprintf("config file %q declares no nodes", path))
	}
	for _, n := range doc.Nodes {
		if n.NodeID == "" {
			return nil, apperrors.New(apperrors.KindConfigInvalid, "every node must declare a non-empty node_id")
		}
	}
	return &doc, nil
}

// ResolveSecret applies spec §6's resolution order: an explicit CLI
// argument, the env var named by auth.secret_env, the conventional
// "current" var, the conventional default var. An empty result at the end
// of this chain is a fatal configuration error.
func ResolveSecret(cliArg string, auth Auth) (string, error) {
	if cliArg != "" {
		return cliArg, nil
	}
	if auth.SecretEnv != "" {
		if v := os.Getenv(auth.SecretEnv); v != "" {
			return v, nil
		}
	}
	if v := os.Getenv(EnvSecretCurrent); v != "" {
		return v, nil
	}
	if v := os.Getenv(EnvSecretDefault); v != "" {
		return v, nil
	}
	return "", apperrors.New(apperrors.KindConfigInvalid, "no shared secret resolved from CLI argument, auth.secret_env, "+EnvSecretCurrent+", or "+EnvSecretDefault)
}
