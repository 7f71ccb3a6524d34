package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Write operations for the development seeder. The orchestrator itself only
// reads from the graph.

// EnsureSchema creates the uniqueness constraints the graph relies on
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	constraints := []string{
		"CREATE CONSTRAINT drug_name IF NOT EXISTS FOR (d:Drug) REQUIRE d.name IS UNIQUE",
		"CREATE CONSTRAINT target_symbol IF NOT EXISTS FOR (t:Target) REQUIRE t.symbol IS UNIQUE",
		"CREATE CONSTRAINT condition_name IF NOT EXISTS FOR (c:Condition) REQUIRE c.name IS UNIQUE",
	}

	for _, constraint := range constraints {
		if _, err := session.Run(ctx, constraint, map[string]interface{}{}); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}

	r.logger.Info("graph schema ensured", zap.Int("constraints", len(constraints)))
	return nil
}

// UpsertDrug creates or updates a drug node
func (r *Repository) UpsertDrug(ctx context.Context, drug Drug) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (d:Drug {name: $name})
		SET d.synonyms = $synonyms,
		    d.class = $class,
		    d.formula = $formula,
		    d.approval = $approval
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"name":     drug.Name,
		"synonyms": drug.Synonyms,
		"class":    drug.Class,
		"formula":  drug.Formula,
		"approval": drug.Approval,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert drug %s: %w", drug.Name, err)
	}
	return nil
}

// UpsertTarget creates or updates a target node
func (r *Repository) UpsertTarget(ctx context.Context, target Target) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (t:Target {symbol: $symbol})
		SET t.name = $name,
		    t.family = $family
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"symbol": target.Symbol,
		"name":   target.Name,
		"family": target.Family,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert target %s: %w", target.Symbol, err)
	}
	return nil
}

// LinkDrugTarget records a drug acting on a target with its mechanism
func (r *Repository) LinkDrugTarget(ctx context.Context, drugName, symbol, action, affinity string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (d:Drug {name: $drug})
		MATCH (t:Target {symbol: $symbol})
		MERGE (d)-[a:TARGETS]->(t)
		SET a.action = $action,
		    a.affinity = $affinity
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"drug":     drugName,
		"symbol":   symbol,
		"action":   action,
		"affinity": affinity,
	})
	if err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", drugName, symbol, err)
	}
	return nil
}

// LinkIndication records a drug being indicated for a condition
func (r *Repository) LinkIndication(ctx context.Context, drugName, condition string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MATCH (d:Drug {name: $drug})
		MERGE (c:Condition {name: $condition})
		MERGE (d)-[:INDICATED_FOR]->(c)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"drug":      drugName,
		"condition": condition,
	})
	if err != nil {
		return fmt.Errorf("failed to link indication %s -> %s: %w", drugName, condition, err)
	}
	return nil
}

// Wipe removes all pharmacology nodes. Seeder only, guarded by its --force flag.
func (r *Repository) Wipe(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `MATCH (n) WHERE n:Drug OR n:Target OR n:Condition DETACH DELETE n`

	if _, err := session.Run(ctx, query, map[string]interface{}{}); err != nil {
		return fmt.Errorf("failed to wipe graph: %w", err)
	}

	r.logger.Warn("pharmacology graph wiped")
	return nil
}
