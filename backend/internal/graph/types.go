package graph

// Drug represents one active compound in the pharmacology graph
type Drug struct {
	Name     string   `json:"name"`
	Synonyms []string `json:"synonyms,omitempty"`
	Class    string   `json:"class,omitempty"`
	Formula  string   `json:"formula,omitempty"`
	Approval string   `json:"approval,omitempty"` // first approval year, empty for investigational
}

// Target represents a protein target, keyed by gene symbol
type Target struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Family string `json:"family,omitempty"`
}

// DrugTargetRow is one drug-target relationship with its mechanism
type DrugTargetRow struct {
	Drug     string `json:"drug"`
	Target   string `json:"target"`
	Gene     string `json:"gene"`
	Action   string `json:"action,omitempty"` // agonist, antagonist, inhibitor, ...
	Affinity string `json:"affinity,omitempty"`
}

// QueryResult is the raw outcome of an ad hoc read query: column names from
// the first record, row values as the driver returned them
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Empty returns true when the query matched nothing
func (q *QueryResult) Empty() bool {
	return q == nil || len(q.Rows) == 0
}
