package tool_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/approval"
	"github.com/perlica/perlica/internal/database"
	"github.com/perlica/perlica/internal/eventlog"
	"github.com/perlica/perlica/internal/policy"
	"github.com/perlica/perlica/internal/tool"
	"github.com/perlica/perlica/internal/tool/shelltool"
)

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) Append(_ context.Context, in eventlog.AppendInput) (eventlog.Stored, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, in.Type)
	return eventlog.Stored{}, nil
}

func (r *recordedEvents) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type countingResolver struct {
	decision policy.Decision
	calls    int
}

func (c *countingResolver) Resolve(context.Context, policy.Prompt) (policy.Decision, error) {
	c.calls++
	return c.decision, nil
}

type fixture struct {
	dispatcher *tool.Dispatcher
	store      *approval.Store
	events     *recordedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "approvals.db"), database.SchemaApprovals)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := approval.NewStore(db, logger)
	engine := policy.NewEngine(store, logger)

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(shelltool.New(logger)))

	events := &recordedEvents{}
	return &fixture{
		dispatcher: tool.NewDispatcher(registry, engine, store, events, logger),
		store:      store,
		events:     events,
	}
}

func shellCall(id, cmd string) tool.Call {
	return tool.Call{ID: id, Name: shelltool.Name, Arguments: map[string]any{"cmd": cmd}}
}

func TestDispatchApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetPolicy(ctx, shelltool.Name, approval.RiskLow, approval.PolicyAlwaysAllow))

	res, err := f.dispatcher.Dispatch(ctx, shellCall("call-1", "echo hi"), tool.DispatchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.True(t, res.Result.OK)
	assert.Contains(t, res.Result.Output, "hi")
	assert.True(t, f.events.has("tool.executed"))
}

func TestDispatchBlockedPatternOverridesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Neither a standing allow policy nor assume_yes may bypass the
	// hard blocklist.
	require.NoError(t, f.store.SetPolicy(ctx, shelltool.Name, approval.RiskHigh, approval.PolicyAlwaysAllow))

	res, err := f.dispatcher.Dispatch(ctx, shellCall("call-1", "rm -rf /"), tool.DispatchOptions{AssumeYes: true})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, policy.ReasonBlockedHighRisk, res.Result.Error)
	assert.True(t, f.events.has("tool.blocked"))
}

func TestDispatchUnknownTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), tool.Call{ID: "c", Name: "no_such_tool"}, tool.DispatchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, tool.ReasonUnknownTool, res.Result.Error)
}

func TestDispatchAskWithoutResolverDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, shellCall("call-1", "echo hi"), tool.DispatchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, tool.ReasonApprovalRequired, res.Result.Error)
	assert.True(t, f.events.has("approval.requested"))
	assert.True(t, f.events.has("approval.denied"))

	decisions, err := f.store.ListDecisions(ctx, shelltool.Name, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "denied", decisions[0].Decision)
}

func TestDispatchAssumeYesSkipsApproval(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), shellCall("call-1", "echo fast"), tool.DispatchOptions{AssumeYes: true})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.True(t, res.Result.OK)
	assert.False(t, f.events.has("approval.requested"))
}

func TestDispatchResolverGrantAndPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolver := &countingResolver{decision: policy.Decision{
		Allow:         true,
		PersistPolicy: approval.PolicyAlwaysAllow,
	}}

	res, err := f.dispatcher.Dispatch(ctx, shellCall("call-1", "echo once"), tool.DispatchOptions{Resolver: resolver})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.True(t, res.Result.OK)
	assert.Equal(t, 1, resolver.calls)
	assert.True(t, f.events.has("approval.granted"))

	// The persisted always_allow policy answers the second call without
	// consulting the resolver again.
	res, err = f.dispatcher.Dispatch(ctx, shellCall("call-2", "echo twice"), tool.DispatchOptions{Resolver: resolver})
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, 1, resolver.calls)

	decisions, err := f.store.ListDecisions(ctx, shelltool.Name, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "granted", decisions[0].Decision)
}

func TestDispatchResolverDenyBlocks(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), shellCall("call-1", "echo hi"),
		tool.DispatchOptions{Resolver: policy.DenyAll("not in the mood")})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, tool.ReasonApprovalDenied, res.Result.Error)
	assert.True(t, f.events.has("approval.denied"))
}

func TestRegistryRejectsDuplicatesAndListsSpecs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tool.NewRegistry()

	require.NoError(t, registry.Register(shelltool.New(logger)))
	require.Error(t, registry.Register(shelltool.New(logger)))

	specs := registry.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, shelltool.Name, specs[0].Name)
	assert.NotEmpty(t, specs[0].Description)
	assert.Contains(t, specs[0].Parameters, "properties")
}
