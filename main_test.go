package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-circulation/library"
)

func run(t *testing.T, dbPath string, args ...string) error {
	t.Helper()
	a := &app{}
	defer a.close()
	root := a.rootCommand()
	root.SetArgs(append([]string{"--db", dbPath}, args...))
	return root.ExecuteContext(context.Background())
}

func TestDeskWorkflow(t *testing.T) {
	t.Setenv("LIBRARY_PASSWORD", "desk-pass")
	t.Setenv("LIBRARY_LOG_LEVEL", "error")
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	require.NoError(t, run(t, dbPath, "member", "add", "--name", "Admin", "--role", "admin"))
	assert.Error(t, run(t, dbPath, "member", "add", "--name", "Sneaky"), "second member needs --staff")
	require.NoError(t, run(t, dbPath, "--staff", "1", "member", "add", "--name", "Alice"))
	require.NoError(t, run(t, dbPath, "--staff", "1", "member", "add", "--name", "Bob", "--tier", "student"))
	require.NoError(t, run(t, dbPath, "--staff", "1", "book", "add", "--title", "Dune", "--author", "Frank Herbert", "--copies", "2"))
	require.NoError(t, run(t, dbPath, "--staff", "1", "issue", "--member", "2", "--copy", "1"))
	assert.Error(t, run(t, dbPath, "reserve", "1", "--member", "2"), "alice already has the book")
	require.NoError(t, run(t, dbPath, "reserve", "1", "--member", "3"), "second copy is held for bob")
	require.NoError(t, run(t, dbPath, "ledger", "verify", "1"))

	err := run(t, dbPath, "--staff", "2", "return", "1")
	assert.ErrorContains(t, err, "not staff")

	require.NoError(t, run(t, dbPath, "--staff", "1", "return", "1"))

	db, err := library.NewDatabase(dbPath)
	require.NoError(t, err)
	lm := library.NewLibraryManager(db)
	t.Cleanup(func() { lm.Close() })

	loan, err := lm.GetLoan(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, loan.Active())
	holds, err := lm.ListHolds(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
	rep, err := lm.VerifyBook(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rep.Consistent)
}

func TestParseID(t *testing.T) {
	id, err := parseID(" 42 ", "book id")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = parseID("-1", "book id")
	assert.ErrorContains(t, err, "invalid book id")
	_, err = parseID("x", "copy id")
	assert.Error(t, err)

	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdefgh", 5))
}
