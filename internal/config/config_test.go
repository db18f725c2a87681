package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesNodesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodes.json", `{
		"nodes": [
			{"node_id": "w1", "host": "10.0.0.1", "port": 9000, "role": "worker", "enabled": true}
		],
		"auth": {"secret_env": "MY_SECRET"}
	}`)

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)
	require.Equal(t, "w1", doc.Nodes[0].NodeID)
	require.Equal(t, "MY_SECRET", doc.Auth.SecretEnv)
}

func TestLoad_EmptyNodesIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodes.json", `{"nodes": []}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingNodeIDIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "nodes.json", `{"nodes": [{"host": "x", "port": 1}]}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestController_DefaultsWhenUnset(t *testing.T) {
	var c Controller
	require.Equal(t, 30_000_000_000, int(c.RequestTimeout()))
	require.Equal(t, 2_000_000_000, int(c.PollInterval()))
	require.Equal(t, 900_000_000_000, int(c.PollTimeout()))
}

func TestResolveSecret_PrefersCLIArg(t *testing.T) {
	t.Setenv(EnvSecretDefault, "from-default")
	secret, err := ResolveSecret("from-cli", Auth{})
	require.NoError(t, err)
	require.Equal(t, "from-cli", secret)
}

func TestResolveSecret_FallsBackToNamedEnvVar(t *testing.T) {
	t.Setenv("CUSTOM_SECRET_VAR", "from-named")
	secret, err := ResolveSecret("", Auth{SecretEnv: "CUSTOM_SECRET_VAR"})
	require.NoError(t, err)
	require.Equal(t, "from-named", secret)
}

func TestResolveSecret_FallsBackToCurrentThenDefault(t *testing.T) {
	t.Setenv(EnvSecretCurrent, "from-current")
	t.Setenv(EnvSecretDefault, "from-default")
	secret, err := ResolveSecret("", Auth{})
	require.NoError(t, err)
	require.Equal(t, "from-current", secret)

	t.Setenv(EnvSecretCurrent, "")
	secret, err = ResolveSecret("", Auth{})
	require.NoError(t, err)
	require.Equal(t, "from-default", secret)
}

func TestResolveSecret_EmptyEverywhereIsFatal(t *testing.T) {
	_, err := ResolveSecret("", Auth{})
	require.Error(t, err)
}

func TestApplyProfile_AppendsTagsByNodeID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", "nodes:\n  w1:\n    - gpu\n    - fast\n")
	profile, err := LoadProfile(path)
	require.NoError(t, err)

	nodes, err := Load(writeFile(t, dir, "nodes.json", `{"nodes":[{"node_id":"w1","host":"h","port":1,"tags":["base"]}]}`))
	require.NoError(t, err)

	merged := ApplyProfile(nodes.Nodes, profile)
	require.Equal(t, []string{"base", "gpu", "fast"}, merged[0].Tags)
}
