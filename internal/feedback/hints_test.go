package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commandcenter/internal/db"
	"commandcenter/internal/domain"
	"commandcenter/internal/draft"
	"commandcenter/internal/migrate"
	"commandcenter/internal/repo"
)

func TestInvalidateDuringReadKeepsCacheEmpty(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn, db.SQLite)
	require.NoError(t, err)
	r := repo.Repo{DB: conn, Dialect: db.SQLite}

	hints, err := NewHints(r, 5)
	require.NoError(t, err)
	rec := Recorder{Repo: r, Hints: hints}

	// a modification commits after the read but before the cache fill
	hints.afterRead = func() {
		hints.afterRead = nil
		saved, err := rec.Record(ctx, nil, Entry{
			Draft:  domain.PendingDraft{ID: "d1", OwnerID: "alice", Type: draft.TypeBill, Content: &draft.Bill{Payee: "Acme", Amount: "10.00"}},
			Action: domain.ActionModified,
			Before: &draft.Bill{Payee: "acme", Amount: "10.00"},
		})
		require.NoError(t, err)
		rec.Committed(saved)
	}

	first, err := hints.For(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, first)

	fresh, err := hints.For(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "Acme", fresh[0].To)
}
