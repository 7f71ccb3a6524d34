package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
)

// Repository handles all pharmacology graph operations against Neo4j
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("graph"),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// ReadQuery runs an ad hoc read query and returns columns and raw rows.
// Callers are responsible for having vetted the query text; the session is
// opened read-only so the database rejects mutations regardless.
func (r *Repository) ReadQuery(ctx context.Context, cypher string, params map[string]interface{}) (*QueryResult, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, errors.NewGraphQueryFailed(cypher, err)
	}

	out := &QueryResult{}
	for result.Next(ctx) {
		record := result.Record()
		if out.Columns == nil {
			out.Columns = record.Keys
		}
		out.Rows = append(out.Rows, record.Values)
	}
	if err := result.Err(); err != nil {
		return nil, errors.NewGraphQueryFailed(cypher, err)
	}

	r.logger.Debug("read query executed",
		zap.Int("rows", len(out.Rows)),
		zap.Int("columns", len(out.Columns)))
	return out, nil
}

// FindDrugs looks up drugs whose name or synonyms contain the term,
// case-insensitive
func (r *Repository) FindDrugs(ctx context.Context, term string, limit int) ([]Drug, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (d:Drug)
		WHERE toLower(d.name) CONTAINS toLower($term)
		   OR any(s IN coalesce(d.synonyms, []) WHERE toLower(s) CONTAINS toLower($term))
		RETURN d.name as name, d.synonyms as synonyms, d.class as class,
		       d.formula as formula, d.approval as approval
		ORDER BY d.name
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"term":  term,
		"limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	var drugs []Drug
	for result.Next(ctx) {
		record := result.Record()
		drugs = append(drugs, Drug{
			Name:     getString(record, "name", ""),
			Synonyms: getStringSlice(record, "synonyms"),
			Class:    getString(record, "class", ""),
			Formula:  getString(record, "formula", ""),
			Approval: getString(record, "approval", ""),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return drugs, nil
}

// DrugsForTarget returns drugs acting on a target gene symbol with their
// mechanism of action
func (r *Repository) DrugsForTarget(ctx context.Context, symbol string, limit int) ([]DrugTargetRow, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (d:Drug)-[a:TARGETS]->(t:Target)
		WHERE toLower(t.symbol) = toLower($symbol)
		RETURN d.name as drug, t.name as target, t.symbol as gene,
		       a.action as action, a.affinity as affinity
		ORDER BY d.name
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"symbol": symbol,
		"limit":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	return collectDrugTargetRows(ctx, result)
}

// TargetsForDrug returns the targets of a drug matched by name or synonym
func (r *Repository) TargetsForDrug(ctx context.Context, name string, limit int) ([]DrugTargetRow, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (d:Drug)-[a:TARGETS]->(t:Target)
		WHERE toLower(d.name) CONTAINS toLower($name)
		   OR any(s IN coalesce(d.synonyms, []) WHERE toLower(s) CONTAINS toLower($name))
		RETURN d.name as drug, t.name as target, t.symbol as gene,
		       a.action as action, a.affinity as affinity
		ORDER BY t.symbol
		LIMIT $limit
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"name":  name,
		"limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	return collectDrugTargetRows(ctx, result)
}

// Stats returns node and relationship counts, used for startup logging and
// seeder verification
func (r *Repository) Stats(ctx context.Context) (map[string]int64, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		OPTIONAL MATCH (d:Drug)
		WITH count(d) as drugs
		OPTIONAL MATCH (t:Target)
		WITH drugs, count(t) as targets
		OPTIONAL MATCH (c:Condition)
		WITH drugs, targets, count(c) as conditions
		OPTIONAL MATCH (:Drug)-[r:TARGETS]->(:Target)
		RETURN drugs, targets, conditions, count(r) as links
	`

	result, err := session.Run(ctx, query, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch record: %w", err)
		}
		return map[string]int64{}, nil
	}

	record := result.Record()
	return map[string]int64{
		"drugs":      getInt64(record, "drugs"),
		"targets":    getInt64(record, "targets"),
		"conditions": getInt64(record, "conditions"),
		"links":      getInt64(record, "links"),
	}, nil
}

func collectDrugTargetRows(ctx context.Context, result neo4j.ResultWithContext) ([]DrugTargetRow, error) {
	var rows []DrugTargetRow
	for result.Next(ctx) {
		record := result.Record()
		rows = append(rows, DrugTargetRow{
			Drug:     getString(record, "drug", ""),
			Target:   getString(record, "target", ""),
			Gene:     getString(record, "gene", ""),
			Action:   getString(record, "action", ""),
			Affinity: getString(record, "affinity", ""),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return rows, nil
}

// Record helpers

func getString(record *neo4j.Record, key, defaultValue string) string {
	if value, ok := record.Get(key); ok && value != nil {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return defaultValue
}

func getInt64(record *neo4j.Record, key string) int64 {
	if value, ok := record.Get(key); ok && value != nil {
		if n, ok := value.(int64); ok {
			return n
		}
	}
	return 0
}

func getStringSlice(record *neo4j.Record, key string) []string {
	value, ok := record.Get(key)
	if !ok || value == nil {
		return nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
