package tools

import (
	"context"
	"fmt"
	"strings"

	"trial-scout/backend/internal/graph"
	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
	"go.uber.org/zap"
)

// QueryWriter turns a natural-language question into a database query
// text. The model gateway's one-shot completion satisfies it.
type QueryWriter interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// PharmaGraph is the slice of the graph repository the pharmacology
// adapter consults.
type PharmaGraph interface {
	ReadQuery(ctx context.Context, cypher string, params map[string]interface{}) (*graph.QueryResult, error)
	FindDrugs(ctx context.Context, term string, limit int) ([]graph.Drug, error)
	TargetsForDrug(ctx context.Context, name string, limit int) ([]graph.DrugTargetRow, error)
	DrugsForTarget(ctx context.Context, symbol string, limit int) ([]graph.DrugTargetRow, error)
}

// PharmacologyAdapter answers questions from the drug-target graph. The
// question is translated into one read-only Cypher query by the model;
// generated queries pass a read-only gate before they reach the database.
// When query generation itself fails the adapter degrades to typed
// keyword lookups so simple questions still get an answer.
type PharmacologyAdapter struct {
	writer QueryWriter
	store  PharmaGraph
	logger *zap.Logger
}

// NewPharmacologyAdapter wires the adapter to a query writer and the graph.
func NewPharmacologyAdapter(writer QueryWriter, store PharmaGraph) *PharmacologyAdapter {
	return &PharmacologyAdapter{
		writer: writer,
		store:  store,
		logger: logger.Named("tools.pharmacology"),
	}
}

// Name implements Adapter.
func (a *PharmacologyAdapter) Name() string {
	return ToolQueryPharmacology
}

// Validate implements Adapter.
func (a *PharmacologyAdapter) Validate(args map[string]interface{}) error {
	question, present, err := stringArg(args, "question")
	if err != nil {
		return errors.NewInvalidArguments(ToolQueryPharmacology, err.Error())
	}
	if !present || question == "" {
		return errors.NewInvalidArguments(ToolQueryPharmacology, "question is required")
	}
	return nil
}

// cypherSchemaDoc describes the graph to the query writer. Kept in sync
// with the seeder and graph package by hand.
const cypherSchemaDoc = `You write a single Cypher read query for a Neo4j pharmacology graph.

Schema:
  (:Drug {name: string, synonyms: [string], class: string, formula: string, approval: string})
  (:Target {symbol: string, name: string, family: string})
  (:Condition {name: string})
  (:Drug)-[:TARGETS {action: string, affinity: string}]->(:Target)
  (:Drug)-[:INDICATED_FOR]->(:Condition)

Notes:
  - Drug names are lowercase; match case-insensitively with toLower().
  - Target symbols are uppercase gene symbols (GPER1, ESR1, ABL1).
  - TARGETS.action holds values like agonist, antagonist, inhibitor, modulator.

Examples:
  Question: which drugs are GPER1 agonists?
  MATCH (d:Drug)-[t:TARGETS]->(g:Target {symbol: "GPER1"}) WHERE toLower(t.action) = "agonist" RETURN d.name, t.action, t.affinity

  Question: what does imatinib target?
  MATCH (d:Drug)-[t:TARGETS]->(g:Target) WHERE toLower(d.name) = "imatinib" RETURN g.symbol, g.name, t.action

  Question: what is semaglutide indicated for?
  MATCH (d:Drug)-[:INDICATED_FOR]->(c:Condition) WHERE toLower(d.name) = "semaglutide" RETURN c.name

Rules:
  - Respond with exactly one read query and nothing else. No prose, no markdown.
  - Only MATCH, OPTIONAL MATCH, WHERE, WITH, UNWIND, RETURN, ORDER BY, LIMIT.
  - Never write to the graph.

Question: `

// readClauses are the clauses a generated query may start with.
var readClauses = []string{"MATCH", "OPTIONAL MATCH", "UNWIND", "WITH", "RETURN"}

// mutationKeywords abort a generated query outright, matched as whole
// words. LOAD CSV is handled separately since it spans two words.
var mutationKeywords = []string{"CREATE", "MERGE", "DELETE", "DETACH", "SET", "REMOVE", "DROP", "FOREACH", "CALL"}

// cleanGeneratedQuery strips code fences and stray decoration from model
// output and keeps the first statement.
func cleanGeneratedQuery(raw string) string {
	q := strings.TrimSpace(raw)
	if strings.HasPrefix(q, "```") {
		q = strings.TrimPrefix(q, "```cypher")
		q = strings.TrimPrefix(q, "```graphql")
		q = strings.TrimPrefix(q, "```")
		if end := strings.Index(q, "```"); end >= 0 {
			q = q[:end]
		}
	}
	q = strings.TrimSpace(q)
	q = strings.TrimSuffix(q, ";")
	return strings.Join(strings.Fields(q), " ")
}

// validateReadOnly enforces the read-only gate: the query must open with
// a read clause and contain no mutation keyword.
func validateReadOnly(cypher string) error {
	upper := strings.ToUpper(cypher)
	starts := false
	for _, clause := range readClauses {
		if strings.HasPrefix(upper, clause) {
			starts = true
			break
		}
	}
	if !starts {
		return errors.NewUnsafeQuery(cypher, "query must start with a read clause")
	}
	if strings.Contains(upper, "LOAD CSV") {
		return errors.NewUnsafeQuery(cypher, "query contains LOAD CSV")
	}
	words := strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '_'
	})
	for _, word := range words {
		for _, kw := range mutationKeywords {
			if word == kw {
				return errors.NewUnsafeQuery(cypher, fmt.Sprintf("query contains %s", kw))
			}
		}
	}
	return nil
}

// ensureLimit appends a row cap when the query has none.
func ensureLimit(cypher string) string {
	if strings.Contains(strings.ToUpper(cypher), "LIMIT") {
		return cypher
	}
	return cypher + " LIMIT 100"
}

// Execute implements Adapter.
func (a *PharmacologyAdapter) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	question, _, _ := stringArg(args, "question")

	raw, err := a.writer.Complete(ctx, cypherSchemaDoc+question, 512)
	if err != nil {
		a.logger.Warn("query generation failed, falling back to keyword lookup",
			zap.String("question", question),
			zap.Error(err),
		)
		return a.keywordFallback(ctx, question)
	}

	cypher := cleanGeneratedQuery(raw)
	if err := validateReadOnly(cypher); err != nil {
		a.logger.Warn("generated query rejected",
			zap.String("cypher", cypher),
			zap.Error(err),
		)
		return "", err
	}
	cypher = ensureLimit(cypher)

	a.logger.Debug("running generated query", zap.String("cypher", cypher))
	result, err := a.store.ReadQuery(ctx, cypher, nil)
	if err != nil {
		return "", err
	}
	return renderQueryResult(question, cypher, result), nil
}

func renderQueryResult(question, cypher string, result *graph.QueryResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pharmacology graph query for %q:\n  %s\n\n", question, cypher)
	if result.Empty() {
		b.WriteString("No rows matched. The graph has no entries satisfying this query.\n")
		return b.String()
	}
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = renderCell(cell)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%d row(s).\n", len(result.Rows))
	return b.String()
}

func renderCell(cell any) string {
	switch v := cell.(type) {
	case nil:
		return "-"
	case string:
		return v
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = renderCell(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// keywordFallback answers without the query writer: it picks candidate
// drug and target tokens out of the question and runs the typed lookups.
func (a *PharmacologyAdapter) keywordFallback(ctx context.Context, question string) (string, error) {
	var sections []string

	for _, symbol := range candidateSymbols(question) {
		rows, err := a.store.DrugsForTarget(ctx, symbol, 10)
		if err != nil {
			return "", err
		}
		if len(rows) > 0 {
			sections = append(sections, renderDrugTargetRows(fmt.Sprintf("Drugs targeting %s:", symbol), rows))
		}
	}

	for _, word := range candidateNames(question) {
		drugs, err := a.store.FindDrugs(ctx, word, 5)
		if err != nil {
			return "", err
		}
		for _, d := range drugs {
			sections = append(sections, renderDrug(d))
			rows, err := a.store.TargetsForDrug(ctx, d.Name, 10)
			if err != nil {
				return "", err
			}
			if len(rows) > 0 {
				sections = append(sections, renderDrugTargetRows(fmt.Sprintf("Targets of %s:", d.Name), rows))
			}
		}
		if len(drugs) > 0 {
			break
		}
	}

	if len(sections) == 0 {
		return fmt.Sprintf("No graph entries matched the terms in %q.", question), nil
	}
	return strings.Join(sections, "\n"), nil
}

// candidateSymbols picks tokens that look like gene symbols: short,
// uppercase, at least one letter.
func candidateSymbols(question string) []string {
	var symbols []string
	for _, token := range tokenizeQuestion(question) {
		if len(token) < 2 || len(token) > 8 {
			continue
		}
		hasLetter := false
		isUpper := true
		for _, r := range token {
			switch {
			case r >= 'A' && r <= 'Z':
				hasLetter = true
			case r >= '0' && r <= '9':
			default:
				isUpper = false
			}
		}
		if hasLetter && isUpper {
			symbols = append(symbols, token)
		}
		if len(symbols) == 3 {
			break
		}
	}
	return symbols
}

// candidateNames picks lowercase-ish words long enough to be drug names.
func candidateNames(question string) []string {
	var names []string
	for _, token := range tokenizeQuestion(question) {
		if len(token) < 4 {
			continue
		}
		if stopWords[strings.ToLower(token)] {
			continue
		}
		names = append(names, strings.ToLower(token))
		if len(names) == 6 {
			break
		}
	}
	return names
}

var stopWords = map[string]bool{
	"what": true, "which": true, "does": true, "drug": true, "drugs": true,
	"target": true, "targets": true, "about": true, "tell": true, "with": true,
	"that": true, "this": true, "have": true, "know": true, "known": true,
	"used": true, "list": true, "show": true, "find": true, "their": true,
}

func tokenizeQuestion(question string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return ' '
		}
	}, question)
	return strings.Fields(cleaned)
}

func renderDrug(d graph.Drug) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Drug: %s", d.Name)
	if d.Class != "" {
		fmt.Fprintf(&b, " (class: %s)", d.Class)
	}
	b.WriteString("\n")
	if len(d.Synonyms) > 0 {
		fmt.Fprintf(&b, "  Synonyms: %s\n", strings.Join(d.Synonyms, ", "))
	}
	if d.Formula != "" {
		fmt.Fprintf(&b, "  Formula: %s\n", d.Formula)
	}
	if d.Approval != "" {
		fmt.Fprintf(&b, "  First approval: %s\n", d.Approval)
	}
	return b.String()
}

func renderDrugTargetRows(header string, rows []graph.DrugTargetRow) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "  %s -> %s (%s)", row.Drug, row.Gene, row.Target)
		if row.Action != "" {
			fmt.Fprintf(&b, ", %s", row.Action)
		}
		if row.Affinity != "" {
			fmt.Fprintf(&b, ", affinity %s", row.Affinity)
		}
		b.WriteString("\n")
	}
	return b.String()
}
