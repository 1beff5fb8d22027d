package peertransport

import (
	"path/filepath"
	"testing"

	"github.com/artifactkeeper/replicore/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "replicore.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLResolverReturnsRegisteredEndpoint(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.SQL.Exec(
		`INSERT INTO edge_nodes (id, endpoint, region, status) VALUES (?, ?, 'us', 'active')`,
		"edge-1", "10.0.0.5:9443",
	); err != nil {
		t.Fatalf("seed edge node: %v", err)
	}

	resolve := SQLResolver(db.SQL)
	endpoint, err := resolve("edge-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if endpoint != "10.0.0.5:9443" {
		t.Fatalf("resolve = %q, want %q", endpoint, "10.0.0.5:9443")
	}
}

func TestSQLResolverUnknownEdgeIsError(t *testing.T) {
	db := openTestDB(t)
	resolve := SQLResolver(db.SQL)
	if _, err := resolve("no-such-edge"); err == nil {
		t.Fatal("resolve on unknown edge returned nil error")
	}
}

func TestSQLResolverEmptyEndpointIsError(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.SQL.Exec(
		`INSERT INTO edge_nodes (id, endpoint, region, status) VALUES (?, '', 'us', 'active')`,
		"edge-2",
	); err != nil {
		t.Fatalf("seed edge node: %v", err)
	}
	resolve := SQLResolver(db.SQL)
	if _, err := resolve("edge-2"); err == nil {
		t.Fatal("resolve on empty endpoint returned nil error")
	}
}
