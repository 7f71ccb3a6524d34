package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
	"go.uber.org/zap"
)

// TargetProfileAdapter answers protein target questions against a
// Pharos-style GraphQL API. The question is translated into one GraphQL
// query by the model and posted as-is.
type TargetProfileAdapter struct {
	endpoint   string
	writer     QueryWriter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTargetProfileAdapter wires the adapter to a query writer and the
// GraphQL endpoint, e.g. "https://pharos-api.ncats.io/graphql".
func NewTargetProfileAdapter(endpoint string, writer QueryWriter) *TargetProfileAdapter {
	return &TargetProfileAdapter{
		endpoint:   endpoint,
		writer:     writer,
		httpClient: &http.Client{},
		logger:     logger.Named("tools.targets"),
	}
}

// Name implements Adapter.
func (a *TargetProfileAdapter) Name() string {
	return ToolQueryTargetProfile
}

// Validate implements Adapter.
func (a *TargetProfileAdapter) Validate(args map[string]interface{}) error {
	question, present, err := stringArg(args, "question")
	if err != nil {
		return errors.NewInvalidArguments(ToolQueryTargetProfile, err.Error())
	}
	if !present || question == "" {
		return errors.NewInvalidArguments(ToolQueryTargetProfile, "question is required")
	}
	return nil
}

// graphqlSchemaDoc describes the target API surface to the query writer.
const graphqlSchemaDoc = `You write a single GraphQL query for a Pharos-style protein target API.

Relevant schema:
  type Query {
    target(q: ITargetFilter): Target
    targets(filter: IFilter): TargetList
  }
  input ITargetFilter { sym: String, uniprot: String, geneid: Int }
  input IFilter { term: String }
  type TargetList { count: Int, targets: [Target] }
  type Target {
    name: String
    sym: String
    tdl: String          # development level: Tclin, Tchem, Tbio, Tdark
    fam: String          # target family
    description: String
    novelty: Float
    diseases(top: Int): [Disease]
    ligands(top: Int, isdrug: Boolean): [Ligand]
  }
  type Disease { name: String, assoc_count: Int }
  type Ligand { name: String, isdrug: Boolean }

Examples:
  Question: what is known about GPER1?
  query { target(q: {sym: "GPER1"}) { name sym tdl fam description } }

  Question: what diseases is ESR1 associated with?
  query { target(q: {sym: "ESR1"}) { name sym diseases(top: 10) { name assoc_count } } }

  Question: which approved drugs bind ABL1?
  query { target(q: {sym: "ABL1"}) { name sym ligands(top: 10, isdrug: true) { name isdrug } } }

Respond with exactly one GraphQL query and nothing else. No prose, no markdown.

Question: `

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Execute implements Adapter.
func (a *TargetProfileAdapter) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	question, _, _ := stringArg(args, "question")

	raw, err := a.writer.Complete(ctx, graphqlSchemaDoc+question, 512)
	if err != nil {
		return "", err
	}
	query := cleanGeneratedQuery(raw)
	if query == "" {
		return "", errors.NewUnsafeQuery(query, "empty generated query")
	}

	a.logger.Debug("running target query", zap.String("query", query))

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("encode target query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build target request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "trial-scout/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", errors.NewToolUnreachable(ToolQueryTargetProfile, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewToolUpstream(ToolQueryTargetProfile, resp.StatusCode, bodySnippetError(resp.Body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.NewToolUnreachable(ToolQueryTargetProfile, err)
	}
	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return "", fmt.Errorf("malformed target payload: %w", err)
	}

	// GraphQL-level errors on a 200 mean the generated query was bad,
	// which is informative rather than environmental
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			msgs[i] = e.Message
		}
		return "", errors.NewBaseError(errors.ErrorTypeValidation,
			fmt.Sprintf("target API rejected the query: %s", strings.Join(msgs, "; ")), nil)
	}

	return renderTargetData(question, query, gqlResp.Data), nil
}

func renderTargetData(question, query string, data json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target profile query for %q:\n  %s\n\n", question, query)

	if emptyGraphQLData(data) {
		b.WriteString("The target database returned no data for this query.\n")
		return b.String()
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		b.Write(data)
	} else {
		rendered := []rune(pretty.String())
		if len(rendered) > 4000 {
			b.WriteString(string(rendered[:4000]))
			b.WriteString("\n  ... (truncated)")
		} else {
			b.WriteString(string(rendered))
		}
	}
	b.WriteString("\n")
	return b.String()
}

// emptyGraphQLData reports whether the data block carries nothing usable:
// absent, null, or an object of nulls.
func emptyGraphQLData(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	for _, v := range obj {
		if strings.TrimSpace(string(v)) != "null" {
			return false
		}
	}
	return true
}
