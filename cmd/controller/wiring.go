package main

import (
	"context"
	"net/http"
	"time"

	"github.com/mindburnlabs/renderdispatch/internal/config"
	"github.com/mindburnlabs/renderdispatch/internal/dispatch"
	"github.com/mindburnlabs/renderdispatch/internal/httpclient"
	"github.com/mindburnlabs/renderdispatch/internal/localexec"
	"github.com/mindburnlabs/renderdispatch/internal/logging"
	"github.com/mindburnlabs/renderdispatch/internal/reconciler"
	"github.com/mindburnlabs/renderdispatch/internal/receipts"
	"github.com/mindburnlabs/renderdispatch/internal/registry"
	"github.com/mindburnlabs/renderdispatch/internal/scheduler"
)

// env bundles everything every subcommand needs, built once from the
// resolved config document so each command file stays a thin flag parser.
type env struct {
	doc    *config.Document
	secret string
	store  *receipts.Store
	table  *dispatch.Table
	reg    *registry.Registry
	client *http.Client
}

func buildEnv(configPath, secretArg string) (*env, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	secret, err := config.ResolveSecret(secretArg, doc.Auth)
	if err != nil {
		return nil, err
	}

	client := httpclient.New(doc.Controller.RequestTimeout())
	workers := registry.Load(doc.Nodes)
	reg := registry.New(workers, secret, client)

	table := dispatch.NewTable()
	dispatch.RegisterReferenceHandlers(table)

	stateDir := doc.StateDir
	if stateDir == "" {
		stateDir = "state"
	}
	store := receipts.NewStore(stateDir)

	return &env{doc: doc, secret: secret, store: store, table: table, reg: reg, client: client}, nil
}

// registerAllCaps probes every configured worker's /caps endpoint so the
// scheduler's candidate selection has a populated cache to match against.
// Per-node failures are swallowed: a down worker simply has no cached
// caps, which selectCandidates already treats as "not a candidate".
func (e *env) registerAllCaps() {
	now := time.Now()
	for _, node := range e.reg.Workers() {
		_, _ = e.reg.RegisterCaps(context.Background(), node, now)
	}
}

func (e *env) newReconciler() *reconciler.Reconciler {
	return reconciler.New(e.client, e.secret, e.store, e.doc.Controller.PollInterval(), e.doc.Controller.PollTimeout())
}

func findNode(nodes []registry.Node, nodeID string) (registry.Node, bool) {
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return registry.Node{}, false
}

func (e *env) newScheduler() *scheduler.Scheduler {
	workspace := e.doc.Controller.LocalWorkspaceRoot
	if workspace == "" {
		workspace = "local_workspace"
	}
	local := localexec.New(e.table, e.store, workspace, logging.New("controller"))
	return scheduler.New(e.reg, e.table, e.secret, e.client, e.newReconciler(), local, dispatch.DefaultMacOnlySteps(), logging.New("controller"))
}
