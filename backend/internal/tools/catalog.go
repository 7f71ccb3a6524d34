package tools

import (
	"trial-scout/backend/internal/adapter"
)

// Tool names. The catalog is closed: these three names are the whole
// tool surface, declared here and validated against the registered
// adapters at startup.
const (
	ToolSearchTrials       = "search_clinical_trials"
	ToolQueryPharmacology  = "query_pharmacology_database"
	ToolQueryTargetProfile = "query_target_profile"
)

// Catalog returns the wire-format definitions of every available tool,
// in the shape the decide step hands to the model.
func Catalog() []adapter.Tool {
	return []adapter.Tool{
		{
			Type: "function",
			Function: adapter.FunctionDefinition{
				Name:        ToolSearchTrials,
				Description: "Search the ClinicalTrials.gov registry for studies. Use this whenever the user asks about clinical trials, studies, or research programs for a drug, compound code, condition, or sponsor. IMPORTANT: pass drug code names exactly as the user wrote them (e.g. 'ABC-1234'); the search automatically tries common spelling variations and intervention/condition indexes. Narrow with location, recruitment status, or phase only when the user asked for them.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"search_term": map[string]interface{}{
							"type":        "string",
							"description": "Drug name, compound code, condition, or free-text topic to search for.",
						},
						"location": map[string]interface{}{
							"type":        "string",
							"description": "City, state, or country to restrict trial sites to.",
						},
						"status": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Recruitment statuses to include, e.g. 'recruiting', 'active, not recruiting', 'completed'.",
						},
						"phase": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Trial phases to include, e.g. 'phase 2', 'phase 3'.",
						},
						"max_results": map[string]interface{}{
							"type":        "integer",
							"description": "How many trials to return (1-50, default 5).",
						},
					},
					"required": []string{"search_term"},
				},
			},
		},
		{
			Type: "function",
			Function: adapter.FunctionDefinition{
				Name:        ToolQueryPharmacology,
				Description: "Answer pharmacology questions from the curated drug-target graph: drug classes, mechanisms of action, which drugs hit a given target, binding actions and affinities, and approved indications. Phrase the question in plain language; the tool translates it into a database query. Use this for mechanism and drug-property questions rather than guessing from memory.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"question": map[string]interface{}{
							"type":        "string",
							"description": "The pharmacology question, e.g. 'which drugs are GPER agonists?'",
						},
					},
					"required": []string{"question"},
				},
			},
		},
		{
			Type: "function",
			Function: adapter.FunctionDefinition{
				Name:        ToolQueryTargetProfile,
				Description: "Look up a protein target's profile in the Pharos-style target database: development level, family, associated diseases, and known ligands. Use this when the user asks about a gene symbol or protein target itself (e.g. 'what is known about GPER1?') rather than about a drug.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"question": map[string]interface{}{
							"type":        "string",
							"description": "The target question, e.g. 'what diseases is ESR1 associated with?'",
						},
					},
					"required": []string{"question"},
				},
			},
		},
	}
}

// CatalogNames returns the closed set of tool names in catalog order.
func CatalogNames() []string {
	defs := Catalog()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Function.Name
	}
	return names
}
