// Package testsupport collects fixtures shared across this module's test
// suites: turning an httptest.Server into a registry.Node, and a
// deterministic clock for components that take time.Now as a dependency.
package testsupport

import (
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/registry"
	"github.com/stretchr/testify/require"
)

// NodeFromServer builds a registry.Node pointing at srv, the shape every
// fake-worker test in this module needs: parse the httptest URL back into
// host/port so the scheduler, registry and reconciler can all dial it the
// same way they would dial a real node.
func NodeFromServer(t *testing.T, srv *httptest.Server, nodeID string) registry.Node {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return registry.Node{
		NodeID: nodeID, Host: host, Port: port,
		Role: registry.RoleWorker, Enabled: true, TimeoutSec: 5,
	}
}

// Clock is a source of "now" a component can take as a dependency instead
// of calling time.Now() directly, so tests can pin or advance it.
type Clock interface {
	Now() time.Time
}

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// StepClock advances by Step every call, starting at At. Useful for
// asserting CreatedAt/FinishedAt ordering without sleeping in tests.
type StepClock struct {
	At   time.Time
	Step time.Duration
}

func (c *StepClock) Now() time.Time {
	now := c.At
	c.At = c.At.Add(c.Step)
	return now
}
