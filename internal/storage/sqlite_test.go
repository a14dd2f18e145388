package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "history.sqlite")
	db, err := OpenSQLite(context.Background(), dbPath,
		`CREATE TABLE IF NOT EXISTS things (id INTEGER PRIMARY KEY);`,
	)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='things';").Scan(&name); err != nil {
		t.Fatalf("table missing: %v", err)
	}
}

func TestOpenSQLiteMemory(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), ":memory:", `CREATE TABLE t (v TEXT);`)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO t VALUES ('x');`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenSQLiteBadSchema(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"), "NOT SQL")
	if err == nil {
		t.Fatal("expected bootstrap error")
	}
}

func TestCheckLocal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "history.sqlite")

	tests := []struct {
		name      string
		remote    bool
		wantErr   bool
		wantCheck string
	}{
		{name: "local", remote: false, wantErr: false, wantCheck: root},
		{name: "remote", remote: true, wantErr: true, wantCheck: root},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inspected string
			err := checkLocal(nested, func(p string) (string, bool, error) {
				inspected = p
				return "nfs", tt.remote, nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkLocal err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNetworkFilesystem) {
				t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
			}
			if inspected != tt.wantCheck {
				t.Fatalf("inspected %q, want nearest existing parent %q", inspected, tt.wantCheck)
			}
		})
	}
}

func TestCheckLocalMemory(t *testing.T) {
	t.Parallel()

	if err := CheckLocal(":memory:"); err != nil {
		t.Fatalf("CheckLocal(:memory:) = %v", err)
	}
}
