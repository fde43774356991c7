package session

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"loom/internal/store"
)

// corruptEntryData overwrites an entry's payload with broken JSON through a
// separate connection, simulating on-disk corruption.
func corruptEntryData(t *testing.T, st *store.Store, sessionID, entryID string) {
	t.Helper()

	db, err := sql.Open("sqlite", st.Path())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}

	res, err := db.Exec(
		`UPDATE entries SET data = '{"broken' WHERE session_id = ? AND id = ?`,
		sessionID, entryID,
	)
	if err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n != 1 {
		t.Fatalf("corrupt entry affected %d rows (err = %v), want 1", n, err)
	}
}
