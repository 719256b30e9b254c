// Command depot-seed loads a depot layout YAML into Neo4j as a Depot node with
// its Track and Switch nodes. With -replace an existing depot is dropped first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/fleetops/engine/depot"
	"github.com/WessleyAI/fleetops/engine/domain"
)

// layoutStore is the part of the graph store seeding needs.
type layoutStore interface {
	Create(ctx context.Context, l depot.Layout) error
	Delete(ctx context.Context, depotID string) error
}

func main() {
	file := flag.String("file", "configs/depot.yaml", "depot layout YAML")
	neo4jURL := flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
	neo4jUser := flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
	neo4jPass := flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
	database := flag.String("database", os.Getenv("NEO4J_DATABASE"), "Neo4j database (default database when empty)")
	replace := flag.Bool("replace", false, "drop the depot before seeding")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	l, err := depot.LoadFile(*file)
	if err != nil {
		log.Fatalf("load layout: %v", err)
	}

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}

	if err := seed(ctx, depot.NewGraphStore(driver, *database), l, *replace); err != nil {
		log.Fatalf("seed %s: %v", l.DepotID, err)
	}
	log.Printf("Seeded depot %s: %d tracks, %d switches", l.DepotID, len(l.Tracks), len(l.Switches))
}

func seed(ctx context.Context, store layoutStore, l depot.Layout, replace bool) error {
	if replace {
		if err := store.Delete(ctx, l.DepotID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("drop: %w", err)
		}
	}
	return store.Create(ctx, l)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
