package audit

import (
	"context"
	"strings"
	"testing"

	"agent_dispatch/internal/config"
	"agent_dispatch/internal/db"
	"agent_dispatch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, nil))
	t.Cleanup(func() { _ = db.Close(gdb) })

	w := NewWriter(gdb, nil)
	ctx := context.Background()

	w.Record(ctx, Entry{DeploymentHash: "abc", AgentID: "a1", Action: ActionRegister, Success: true, IPAddress: "10.0.0.1"})
	w.Record(ctx, Entry{DeploymentHash: "abc", Action: ActionAuthFailed, Details: map[string]interface{}{"reason": "bad token"}, UserAgent: strings.Repeat("u", 300)})
	w.Record(ctx, Entry{DeploymentHash: "other", Action: ActionRegister, Success: true})

	rows, err := w.Recent(ctx, "abc", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, ActionAuthFailed, rows[0].Action)
	assert.Equal(t, model.AuditStatusFailed, rows[0].Status)
	assert.JSONEq(t, `{"reason":"bad token"}`, string(rows[0].Details))
	assert.Len(t, rows[0].UserAgent, 255)

	assert.Equal(t, ActionRegister, rows[1].Action)
	assert.Equal(t, model.AuditStatusSuccess, rows[1].Status)
	assert.Equal(t, "10.0.0.1", rows[1].IPAddress)
}

func TestRecordSwallowsErrors(t *testing.T) {
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	// no migration: the insert fails and must not panic
	w := NewWriter(gdb, nil)
	w.Record(context.Background(), Entry{Action: ActionRevoke})
	require.NoError(t, db.Close(gdb))
}
