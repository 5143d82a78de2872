package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agent_dispatch/internal/config"
	"agent_dispatch/internal/db"
	"agent_dispatch/internal/model"
	"agent_dispatch/internal/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails every call while down is set
type flakyStore struct {
	*secrets.MemoryStore
	down bool
}

func (f *flakyStore) Get(ctx context.Context, path string) (map[string]interface{}, error) {
	if f.down {
		return nil, secrets.ErrBackendUnavailable
	}
	return f.MemoryStore.Get(ctx, path)
}

func (f *flakyStore) Put(ctx context.Context, path string, data map[string]interface{}) error {
	if f.down {
		return secrets.ErrBackendUnavailable
	}
	return f.MemoryStore.Put(ctx, path, data)
}

type fixture struct {
	reg   *Registry
	db    *gorm.DB
	store *flakyStore
	clock *clock
	paths secrets.Paths
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, nil))
	t.Cleanup(func() { _ = db.Close(gdb) })

	f := &fixture{
		db:    gdb,
		store: &flakyStore{MemoryStore: secrets.NewMemoryStore()},
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		paths: secrets.Paths{Prefix: "agent"},
	}
	f.reg = New(gdb, f.store, Options{
		Paths:      f.paths,
		TokenGrace: 300 * time.Second,
		Now:        f.clock.Now,
	})
	return f
}

func (f *fixture) register(t *testing.T, hash string) *Registration {
	t.Helper()
	reg, err := f.reg.Register(context.Background(), RegisterRequest{
		DeploymentHash: hash,
		AgentVersion:   "1.4.0",
		Capabilities:   []string{"docker", "logs"},
		SystemInfo:     json.RawMessage(`{"os":"linux"}`),
	})
	require.NoError(t, err)
	return reg
}

func TestGenerateToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tok, err := GenerateToken()
		require.NoError(t, err)
		assert.Len(t, tok, TokenLength)
		for _, r := range tok {
			assert.True(t, strings.ContainsRune(tokenAlphabet, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "abc")

	assert.NotEmpty(t, reg.AgentID)
	assert.Len(t, reg.AgentToken, TokenLength)
	assert.Equal(t, "2.0.0", reg.DashboardVersion)
	assert.Equal(t, []string{"1.0"}, reg.SupportedAPIVersions)

	agent, err := f.reg.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, agent.AgentID)
	assert.Equal(t, model.AgentStatusActive, agent.Status)
	assert.JSONEq(t, `["docker","logs"]`, string(agent.Capabilities))
	assert.JSONEq(t, `{"os":"linux"}`, string(agent.SystemInfo))

	doc, err := f.store.Get(context.Background(), "agent/abc/token")
	require.NoError(t, err)
	assert.Equal(t, reg.AgentToken, doc["token"])
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Register(ctx, RegisterRequest{DeploymentHash: "abc"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.reg.Register(ctx, RegisterRequest{DeploymentHash: "../etc", AgentVersion: "1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.reg.Register(ctx, RegisterRequest{DeploymentHash: "abc", AgentVersion: "1", SystemInfo: json.RawMessage(`{bad`)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, f.store.Len())
}

func TestReRegisterReplacesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "abc")
	second := f.register(t, "abc")

	assert.NotEqual(t, first.AgentID, second.AgentID)

	_, err := f.reg.Authenticate(ctx, first.AgentID, first.AgentToken)
	assert.ErrorIs(t, err, ErrAuthentication)

	id, err := f.reg.Authenticate(ctx, second.AgentID, second.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, "abc", id.Agent.DeploymentHash)

	var count int64
	require.NoError(t, f.db.Model(&model.Agent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegisterSecretStoreDown(t *testing.T) {
	f := newFixture(t)
	f.store.down = true

	_, err := f.reg.Register(context.Background(), RegisterRequest{DeploymentHash: "abc", AgentVersion: "1"})
	assert.ErrorIs(t, err, ErrStore)

	_, err = f.reg.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func failAgentWrites(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	fail := func(tx *gorm.DB) {
		if tx.Statement.Table == "agents" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}
	require.NoError(t, gdb.Callback().Create().Before("gorm:create").Register("test:fail_agents_create", fail))
	require.NoError(t, gdb.Callback().Update().Before("gorm:update").Register("test:fail_agents_update", fail))
}

func TestRegisterRecordFailureLeavesNoSecret(t *testing.T) {
	f := newFixture(t)
	failAgentWrites(t, f.db)

	_, err := f.reg.Register(context.Background(), RegisterRequest{DeploymentHash: "abc", AgentVersion: "1"})
	assert.ErrorIs(t, err, ErrStore)

	_, err = f.store.Get(context.Background(), "agent/abc/token")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)
}

func TestRegisterCompensationRestoresPreviousSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "abc")
	failAgentWrites(t, f.db)

	_, err := f.reg.Register(ctx, RegisterRequest{DeploymentHash: "abc", AgentVersion: "2"})
	assert.ErrorIs(t, err, ErrStore)

	doc, err := f.store.Get(ctx, "agent/abc/token")
	require.NoError(t, err)
	assert.Equal(t, first.AgentToken, doc["token"])

	id, err := f.reg.Authenticate(ctx, first.AgentID, first.AgentToken)
	require.NoError(t, err)
	assert.False(t, id.UsedPreviousToken)
}

func TestRegisterCompensationSkipsForeignSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "abc")

	rival := map[string]interface{}{"token": strings.Repeat("r", TokenLength), "agent_id": "rival-agent"}
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:rival_then_fail", func(tx *gorm.DB) {
		if tx.Statement.Table != "agents" {
			return
		}
		// another dashboard instance registers between the secret write and the record write
		_ = f.store.MemoryStore.Put(ctx, "agent/abc/token", rival)
		_ = tx.AddError(errors.New("disk full"))
	}))

	_, err := f.reg.Register(ctx, RegisterRequest{DeploymentHash: "abc", AgentVersion: "2"})
	assert.ErrorIs(t, err, ErrStore)

	doc, err := f.store.Get(ctx, "agent/abc/token")
	require.NoError(t, err)
	assert.Equal(t, "rival-agent", doc["agent_id"])
	assert.Equal(t, rival["token"], doc["token"])
}

func TestCompensateOnlyUndoesOwnWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := "agent/abc/token"

	require.NoError(t, f.store.Put(ctx, path, map[string]interface{}{"token": "t1", "agent_id": "mine"}))
	f.reg.compensate(ctx, path, nil, "mine", "abc")
	_, err := f.store.Get(ctx, path)
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)

	previous := map[string]interface{}{"token": "t0", "agent_id": "old"}
	require.NoError(t, f.store.Put(ctx, path, map[string]interface{}{"token": "t1", "agent_id": "mine"}))
	f.reg.compensate(ctx, path, previous, "mine", "abc")
	doc, err := f.store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "t0", doc["token"])

	require.NoError(t, f.store.Put(ctx, path, map[string]interface{}{"token": "t2", "agent_id": "theirs"}))
	f.reg.compensate(ctx, path, nil, "mine", "abc")
	doc, err = f.store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "t2", doc["token"])
}

// slowStore widens the gap between reading the previous token and writing the new one
type slowStore struct {
	*secrets.MemoryStore
	delay time.Duration
}

func (s *slowStore) Put(ctx context.Context, path string, data map[string]interface{}) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Put(ctx, path, data)
}

func TestConcurrentRegistrationsLeaveWorkingCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := New(f.db, &slowStore{MemoryStore: f.store.MemoryStore, delay: 5 * time.Millisecond}, Options{
		Paths:      f.paths,
		TokenGrace: 300 * time.Second,
		Now:        f.clock.Now,
	})

	const n = 6
	results := make([]*Registration, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.Register(ctx, RegisterRequest{DeploymentHash: "abc", AgentVersion: "1"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "registration %d", i)
	}

	agent, err := reg.Get(ctx, "abc")
	require.NoError(t, err)
	doc, err := f.store.Get(ctx, "agent/abc/token")
	require.NoError(t, err)
	assert.Equal(t, agent.AgentID, doc["agent_id"], "secret and record must name the same agent")

	working := 0
	for _, r := range results {
		if _, err := reg.Authenticate(ctx, r.AgentID, r.AgentToken); err == nil {
			working++
			assert.Equal(t, agent.AgentID, r.AgentID)
		}
	}
	assert.Equal(t, 1, working)
}

func TestRegisterAfterRevokeRequiresReinstate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "abc")

	_, err := f.reg.Reinstate(ctx, "abc")
	assert.ErrorIs(t, err, ErrConflict, "an active deployment cannot be reinstated")

	_, err = f.reg.Revoke(ctx, "abc")
	require.NoError(t, err)

	_, err = f.reg.Register(ctx, RegisterRequest{DeploymentHash: "abc", AgentVersion: "2"})
	assert.ErrorIs(t, err, ErrRevoked)
	assert.ErrorIs(t, f.reg.RequireActive(ctx, "abc"), ErrRevoked)
	_, err = f.store.Get(ctx, "agent/abc/token")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)

	agent, err := f.reg.Reinstate(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, agent.AgentID)
	_, err = f.reg.Reinstate(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	again := f.register(t, "abc")
	assert.NotEqual(t, first.AgentID, again.AgentID)
	require.NoError(t, f.reg.RequireActive(ctx, "abc"))
	_, err = f.reg.Authenticate(ctx, again.AgentID, again.AgentToken)
	require.NoError(t, err)
	_, err = f.reg.Authenticate(ctx, first.AgentID, first.AgentToken)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestConcurrentRotationsChainPreviousToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "abc")
	reg := New(f.db, &slowStore{MemoryStore: f.store.MemoryStore, delay: 5 * time.Millisecond}, Options{
		Paths:      f.paths,
		TokenGrace: 300 * time.Second,
		Now:        f.clock.Now,
	})

	tokens := make([]string, 4)
	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := reg.RotateToken(ctx, "abc", "")
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	doc, err := f.store.Get(ctx, "agent/abc/token")
	require.NoError(t, err)
	assert.Contains(t, tokens, doc["token"])
	// the last rotation saw the one before it, not the token from registration
	assert.Contains(t, tokens, doc["previous_token"])
	assert.NotEqual(t, first.AgentToken, doc["previous_token"])
	assert.NotEqual(t, doc["token"], doc["previous_token"])
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "abc")

	id, err := f.reg.Authenticate(ctx, reg.AgentID, reg.AgentToken)
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, id.Agent.AgentID)

	cases := map[string][2]string{
		"wrong token":    {reg.AgentID, reg.AgentToken + "x"},
		"empty token":    {reg.AgentID, ""},
		"unknown agent":  {"0b7f1ae4-4c39-4d6a-8d3f-9a3f8e5b2c11", reg.AgentToken},
		"malformed id":   {"not-a-uuid", reg.AgentToken},
		"empty agent id": {"", reg.AgentToken},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.reg.Authenticate(ctx, tc[0], tc[1])
			assert.ErrorIs(t, err, ErrAuthentication)
		})
	}
}

func TestAuthenticateBackendDown(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "abc")
	f.store.down = true

	_, err := f.reg.Authenticate(context.Background(), reg.AgentID, reg.AgentToken)
	assert.ErrorIs(t, err, ErrStore)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestRotateTokenGraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "abc")

	newToken, err := f.reg.RotateToken(ctx, "abc", "")
	require.NoError(t, err)
	assert.NotEqual(t, reg.AgentToken, newToken)

	id, err := f.reg.Authenticate(ctx, reg.AgentID, newToken)
	require.NoError(t, err)
	assert.False(t, id.UsedPreviousToken)

	id, err = f.reg.Authenticate(ctx, reg.AgentID, reg.AgentToken)
	require.NoError(t, err)
	assert.True(t, id.UsedPreviousToken)
	assert.Equal(t, newToken, id.CurrentToken)

	f.clock.Advance(301 * time.Second)
	_, err = f.reg.Authenticate(ctx, reg.AgentID, reg.AgentToken)
	assert.ErrorIs(t, err, ErrAuthentication)

	agent, err := f.reg.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, agent.TokenRotatedAt)
}

func TestRotateTokenWithoutGrace(t *testing.T) {
	f := newFixture(t)
	f.reg.grace = 0
	ctx := context.Background()
	reg := f.register(t, "abc")

	_, err := f.reg.RotateToken(ctx, "abc", strings.Repeat("z", 40))
	require.NoError(t, err)

	_, err = f.reg.Authenticate(ctx, reg.AgentID, reg.AgentToken)
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = f.reg.Authenticate(ctx, reg.AgentID, strings.Repeat("z", 40))
	assert.NoError(t, err)
}

func TestRotateTokenErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RotateToken(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	f.register(t, "abc")
	_, err = f.reg.RotateToken(ctx, "abc", "short")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "abc")

	require.NoError(t, f.reg.RequireActive(ctx, "abc"))

	agent, err := f.reg.Revoke(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusRevoked, agent.Status)
	assert.NotNil(t, agent.RevokedAt)

	_, err = f.reg.Authenticate(ctx, reg.AgentID, reg.AgentToken)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, f.reg.RequireActive(ctx, "abc"), ErrRevoked)
	assert.ErrorIs(t, f.reg.RequireActive(ctx, "other"), ErrNotFound)

	_, _, err = f.reg.Credentials(ctx, "abc")
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = f.reg.Revoke(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchAndCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "abc")

	require.NoError(t, f.reg.Touch(ctx, reg.AgentID))
	agent, err := f.reg.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, agent.LastSeenAt)
	assert.True(t, agent.LastSeenAt.Equal(f.clock.Now()))

	got, token, err := f.reg.Credentials(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, got.AgentID)
	assert.Equal(t, reg.AgentToken, token)
}
