package tools

import (
	"context"
	"strings"
	"sync"
	"testing"

	"trial-scout/backend/internal/graph"
	"trial-scout/backend/pkg/errors"
)

type fakeWriter struct {
	completion string
	err        error
}

func (f *fakeWriter) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f.completion, f.err
}

type fakeGraph struct {
	mu         sync.Mutex
	lastCypher string
	readCalls  int

	result  *graph.QueryResult
	readErr error

	drugs        []graph.Drug
	targetRows   []graph.DrugTargetRow
	drugsByGene  []graph.DrugTargetRow
	lookupCalls  []string
	symbolsAsked []string
}

func (f *fakeGraph) ReadQuery(ctx context.Context, cypher string, params map[string]interface{}) (*graph.QueryResult, error) {
	f.mu.Lock()
	f.lastCypher = cypher
	f.readCalls++
	f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &graph.QueryResult{}, nil
}

func (f *fakeGraph) FindDrugs(ctx context.Context, term string, limit int) ([]graph.Drug, error) {
	f.mu.Lock()
	f.lookupCalls = append(f.lookupCalls, term)
	f.mu.Unlock()
	var out []graph.Drug
	for _, d := range f.drugs {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(term)) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeGraph) TargetsForDrug(ctx context.Context, name string, limit int) ([]graph.DrugTargetRow, error) {
	return f.targetRows, nil
}

func (f *fakeGraph) DrugsForTarget(ctx context.Context, symbol string, limit int) ([]graph.DrugTargetRow, error) {
	f.mu.Lock()
	f.symbolsAsked = append(f.symbolsAsked, symbol)
	f.mu.Unlock()
	return f.drugsByGene, nil
}

func TestGeneratedQueryRunsWithLimit(t *testing.T) {
	store := &fakeGraph{result: &graph.QueryResult{
		Columns: []string{"d.name", "t.action"},
		Rows:    [][]any{{"estradiol", "agonist"}},
	}}
	a := NewPharmacologyAdapter(&fakeWriter{completion: `MATCH (d:Drug)-[t:TARGETS]->(g:Target {symbol: "GPER1"}) RETURN d.name, t.action`}, store)

	payload, err := a.Execute(context.Background(), map[string]interface{}{"question": "which drugs are GPER1 agonists?"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(payload, "estradiol") || !strings.Contains(payload, "agonist") {
		t.Errorf("payload should carry the rows:\n%s", payload)
	}
	if !strings.HasSuffix(store.lastCypher, "LIMIT 100") {
		t.Errorf("a row cap should be appended, got %q", store.lastCypher)
	}
}

func TestGeneratedQueryFencesStripped(t *testing.T) {
	store := &fakeGraph{}
	a := NewPharmacologyAdapter(&fakeWriter{completion: "```cypher\nMATCH (d:Drug) RETURN d.name LIMIT 5\n```"}, store)

	if _, err := a.Execute(context.Background(), map[string]interface{}{"question": "list drugs"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if store.lastCypher != "MATCH (d:Drug) RETURN d.name LIMIT 5" {
		t.Errorf("cypher = %q", store.lastCypher)
	}
}

func TestMutationQueryRejected(t *testing.T) {
	cases := []string{
		"MATCH (d:Drug) DETACH DELETE d",
		"CREATE (d:Drug {name: 'x'})",
		"MATCH (d:Drug) SET d.name = 'x' RETURN d",
		"MERGE (d:Drug {name: 'x'}) RETURN d",
		"CALL db.labels()",
		"LOAD CSV FROM 'file:///x' AS row RETURN row",
	}
	for _, cypher := range cases {
		t.Run(cypher, func(t *testing.T) {
			store := &fakeGraph{}
			a := NewPharmacologyAdapter(&fakeWriter{completion: cypher}, store)

			_, err := a.Execute(context.Background(), map[string]interface{}{"question": "q"})
			if err == nil {
				t.Fatal("mutating query must be rejected")
			}
			if errors.Classification(err) != errors.ClassValidation {
				t.Errorf("classification = %s, want validation", errors.Classification(err))
			}
			if store.readCalls != 0 {
				t.Error("rejected query must never reach the database")
			}
		})
	}
}

func TestReadClauseStartsAllowed(t *testing.T) {
	for _, cypher := range []string{
		"MATCH (d:Drug) RETURN d.name",
		"OPTIONAL MATCH (d:Drug) RETURN d.name",
		"UNWIND [1,2] AS n RETURN n",
		"WITH 1 AS n RETURN n",
		"RETURN 1",
	} {
		if err := validateReadOnly(cypher); err != nil {
			t.Errorf("validateReadOnly(%q) = %v, want nil", cypher, err)
		}
	}
}

func TestEmptyResultIsSuccess(t *testing.T) {
	store := &fakeGraph{result: &graph.QueryResult{Columns: []string{"d.name"}}}
	a := NewPharmacologyAdapter(&fakeWriter{completion: "MATCH (d:Drug) WHERE d.name = 'nope' RETURN d.name"}, store)

	payload, err := a.Execute(context.Background(), map[string]interface{}{"question": "q"})
	if err != nil {
		t.Fatalf("empty result must not be an error: %v", err)
	}
	if !strings.Contains(payload, "No rows matched") {
		t.Errorf("payload = %q", payload)
	}
}

func TestFallbackOnWriterFailure(t *testing.T) {
	store := &fakeGraph{
		drugs: []graph.Drug{{Name: "estradiol", Class: "estrogen", Synonyms: []string{"E2"}}},
		targetRows: []graph.DrugTargetRow{
			{Drug: "estradiol", Gene: "GPER1", Target: "G protein-coupled estrogen receptor 1", Action: "agonist"},
		},
	}
	writer := &fakeWriter{err: errors.NewGatewayFailed("complete", "m", 3, true, nil)}
	a := NewPharmacologyAdapter(writer, store)

	payload, err := a.Execute(context.Background(), map[string]interface{}{"question": "tell me about estradiol"})
	if err != nil {
		t.Fatalf("fallback should answer: %v", err)
	}
	if !strings.Contains(payload, "estradiol") || !strings.Contains(payload, "GPER1") {
		t.Errorf("fallback payload missing lookups:\n%s", payload)
	}
	if store.readCalls != 0 {
		t.Error("fallback must not run generated queries")
	}
}

func TestFallbackSymbolLookup(t *testing.T) {
	store := &fakeGraph{
		drugsByGene: []graph.DrugTargetRow{
			{Drug: "estradiol", Gene: "GPER1", Target: "G protein-coupled estrogen receptor 1", Action: "agonist"},
		},
	}
	writer := &fakeWriter{err: errors.NewGatewayFailed("complete", "m", 3, true, nil)}
	a := NewPharmacologyAdapter(writer, store)

	payload, err := a.Execute(context.Background(), map[string]interface{}{"question": "which drugs hit GPER1?"})
	if err != nil {
		t.Fatalf("fallback should answer: %v", err)
	}
	if !strings.Contains(payload, "estradiol") {
		t.Errorf("fallback payload missing the drug:\n%s", payload)
	}
	found := false
	for _, sym := range store.symbolsAsked {
		if sym == "GPER1" {
			found = true
		}
	}
	if !found {
		t.Errorf("symbol lookup never asked for GPER1, asked %v", store.symbolsAsked)
	}
}

func TestFallbackNothingMatchedIsSuccess(t *testing.T) {
	writer := &fakeWriter{err: errors.NewGatewayFailed("complete", "m", 3, true, nil)}
	a := NewPharmacologyAdapter(writer, &fakeGraph{})

	payload, err := a.Execute(context.Background(), map[string]interface{}{"question": "anything about zzzzdrug?"})
	if err != nil {
		t.Fatalf("empty fallback must not be an error: %v", err)
	}
	if !strings.Contains(payload, "No graph entries matched") {
		t.Errorf("payload = %q", payload)
	}
}
