package peertransport

import (
	"database/sql"
	"fmt"
)

// SQLResolver builds an EndpointResolver that looks up an edge node's
// QUIC endpoint from the edge_nodes table's endpoint column
// (internal/store's schema; spec.md §3 EdgeNode.endpoint).
func SQLResolver(db *sql.DB) EndpointResolver {
	return func(edgeID string) (string, error) {
		var endpoint string
		err := db.QueryRow(`SELECT endpoint FROM edge_nodes WHERE id = ?`, edgeID).Scan(&endpoint)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("peertransport: unknown edge node %q", edgeID)
		}
		if err != nil {
			return "", err
		}
		if endpoint == "" {
			return "", fmt.Errorf("peertransport: edge node %q has no endpoint registered", edgeID)
		}
		return endpoint, nil
	}
}
