package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
	"go.uber.org/zap"
)

// TrialsAdapter searches the ClinicalTrials.gov v2 registry. A single
// invocation fans out over several search strategies (free text,
// intervention index, condition index) and spelling variations of the
// search term, then keeps the best hit by a fixed priority.
type TrialsAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTrialsAdapter creates an adapter against the given API base URL,
// e.g. "https://clinicaltrials.gov/api/v2".
func NewTrialsAdapter(baseURL string) *TrialsAdapter {
	return &TrialsAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.Named("tools.trials"),
	}
}

// Name implements Adapter.
func (a *TrialsAdapter) Name() string {
	return ToolSearchTrials
}

// Validate implements Adapter.
func (a *TrialsAdapter) Validate(args map[string]interface{}) error {
	term, present, err := stringArg(args, "search_term")
	if err != nil {
		return errors.NewInvalidArguments(ToolSearchTrials, err.Error())
	}
	if !present || term == "" {
		return errors.NewInvalidArguments(ToolSearchTrials, "search_term is required")
	}
	if _, _, err := stringArg(args, "location"); err != nil {
		return errors.NewInvalidArguments(ToolSearchTrials, err.Error())
	}
	if _, _, err := stringSliceArg(args, "status"); err != nil {
		return errors.NewInvalidArguments(ToolSearchTrials, err.Error())
	}
	if _, _, err := stringSliceArg(args, "phase"); err != nil {
		return errors.NewInvalidArguments(ToolSearchTrials, err.Error())
	}
	max, present, err := intArg(args, "max_results")
	if err != nil {
		return errors.NewInvalidArguments(ToolSearchTrials, err.Error())
	}
	if present && (max < 1 || max > 50) {
		return errors.NewInvalidArguments(ToolSearchTrials, "max_results must be between 1 and 50")
	}
	return nil
}

// trialsQuery is a parsed, defaulted search request.
type trialsQuery struct {
	SearchTerm string
	Location   string
	Status     []string
	Phase      []string
	MaxResults int
}

func parseTrialsQuery(args map[string]interface{}) trialsQuery {
	q := trialsQuery{MaxResults: 5}
	q.SearchTerm, _, _ = stringArg(args, "search_term")
	q.Location, _, _ = stringArg(args, "location")
	q.Status, _, _ = stringSliceArg(args, "status")
	q.Phase, _, _ = stringSliceArg(args, "phase")
	if max, present, _ := intArg(args, "max_results"); present {
		q.MaxResults = max
	}
	return q
}

// Execute implements Adapter.
func (a *TrialsAdapter) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	q := parseTrialsQuery(args)
	return a.smartSearch(ctx, q)
}

// Trial is one registry study in the shape the answer synthesis sees.
type Trial struct {
	NCTID         string   `json:"nct_id"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Phases        []string `json:"phases,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
	Eligibility   string   `json:"eligibility,omitempty"`
	Locations     []string `json:"locations,omitempty"`
	URL           string   `json:"url"`
}

type searchStrategy struct {
	label string // shown in the payload
	param string // registry query parameter
	term  string
}

type trialsPage struct {
	Total  int
	Trials []Trial
}

type strategyOutcome struct {
	strategy searchStrategy
	page     *trialsPage
	err      error
}

// drugCodePattern matches compound codes like "ABC1234", "ABC-1234",
// "ABC 1234" so the search can try all three spellings.
var drugCodePattern = regexp.MustCompile(`^([A-Za-z]+)[-\s]?(\d+)$`)

// nameVariations returns the search term first, then its alternate
// compound-code spellings when the term looks like one.
func nameVariations(term string) []string {
	m := drugCodePattern.FindStringSubmatch(strings.TrimSpace(term))
	if m == nil {
		return []string{term}
	}
	letters, digits := m[1], m[2]
	variations := []string{term}
	for _, alt := range []string{letters + "-" + digits, letters + " " + digits, letters + digits} {
		seen := false
		for _, v := range variations {
			if strings.EqualFold(v, alt) {
				seen = true
				break
			}
		}
		if !seen {
			variations = append(variations, alt)
		}
	}
	return variations
}

// buildPlan orders strategies by pick priority: free-text search outranks
// the intervention index, which outranks the condition index; within a
// strategy the original spelling outranks variations.
func buildPlan(term string) []searchStrategy {
	kinds := []struct{ label, param string }{
		{"term", "query.term"},
		{"intervention", "query.intr"},
		{"condition", "query.cond"},
	}
	variations := nameVariations(term)
	plan := make([]searchStrategy, 0, len(kinds)*len(variations))
	for _, k := range kinds {
		for _, v := range variations {
			plan = append(plan, searchStrategy{label: k.label, param: k.param, term: v})
		}
	}
	return plan
}

func (a *TrialsAdapter) smartSearch(ctx context.Context, q trialsQuery) (string, error) {
	plan := buildPlan(q.SearchTerm)
	results := make([]strategyOutcome, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, st := range plan {
		g.Go(func() error {
			page, err := a.searchOnce(gctx, q, st)
			results[i] = strategyOutcome{strategy: st, page: page, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var winner *strategyOutcome
	var firstErr error
	succeeded := false
	for i := range results {
		r := &results[i]
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		succeeded = true
		if winner == nil && r.page.Total > 0 {
			winner = r
		}
	}

	if !succeeded {
		return "", firstErr
	}

	if winner == nil {
		a.logger.Debug("trials search found nothing",
			zap.String("search_term", q.SearchTerm),
			zap.Int("strategies", len(plan)),
		)
		return fmt.Sprintf("No registered trials matched %q. Searched the free-text, intervention, and condition indexes, including spelling variations.", q.SearchTerm), nil
	}

	a.logger.Debug("trials search picked strategy",
		zap.String("search_term", q.SearchTerm),
		zap.String("strategy", winner.strategy.label),
		zap.String("strategy_term", winner.strategy.term),
		zap.Int("total", winner.page.Total),
	)
	return renderTrials(q, winner, results), nil
}

func (a *TrialsAdapter) searchOnce(ctx context.Context, q trialsQuery, st searchStrategy) (*trialsPage, error) {
	params := url.Values{}
	params.Set(st.param, st.term)
	if q.Location != "" {
		params.Set("query.locn", q.Location)
	}
	if len(q.Status) > 0 {
		params.Set("filter.overallStatus", joinNormalized(q.Status, normalizeStatus))
	}
	if len(q.Phase) > 0 {
		params.Set("filter.phase", joinNormalized(q.Phase, normalizePhase))
	}
	params.Set("pageSize", strconv.Itoa(q.MaxResults))
	params.Set("countTotal", "true")
	params.Set("sort", "@relevance")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/studies?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build studies request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "trial-scout/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewToolUnreachable(ToolSearchTrials, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewToolUpstream(ToolSearchTrials, resp.StatusCode, bodySnippetError(resp.Body))
	}

	var page studiesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("malformed studies payload: %w", err)
	}

	out := &trialsPage{Total: page.TotalCount}
	for _, s := range page.Studies {
		out.Trials = append(out.Trials, s.toTrial())
	}
	// some deployments omit countTotal; fall back to the page length
	if out.Total == 0 && len(out.Trials) > 0 {
		out.Total = len(out.Trials)
	}
	return out, nil
}

// studiesPage mirrors the slice of the registry response we consume.
type studiesPage struct {
	TotalCount int           `json:"totalCount"`
	Studies    []studyRecord `json:"studies"`
}

type studyRecord struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID      string `json:"nctId"`
			BriefTitle string `json:"briefTitle"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus string `json:"overallStatus"`
		} `json:"statusModule"`
		DescriptionModule struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		DesignModule struct {
			Phases []string `json:"phases"`
		} `json:"designModule"`
		ConditionsModule struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		ArmsInterventionsModule struct {
			Interventions []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		EligibilityModule struct {
			EligibilityCriteria string `json:"eligibilityCriteria"`
		} `json:"eligibilityModule"`
		ContactsLocationsModule struct {
			Locations []struct {
				Facility string `json:"facility"`
				City     string `json:"city"`
				Country  string `json:"country"`
			} `json:"locations"`
		} `json:"contactsLocationsModule"`
	} `json:"protocolSection"`
}

func (s studyRecord) toTrial() Trial {
	p := s.ProtocolSection
	t := Trial{
		NCTID:       p.IdentificationModule.NCTID,
		Title:       p.IdentificationModule.BriefTitle,
		Status:      p.StatusModule.OverallStatus,
		Phases:      p.DesignModule.Phases,
		Summary:     p.DescriptionModule.BriefSummary,
		Conditions:  p.ConditionsModule.Conditions,
		Eligibility: p.EligibilityModule.EligibilityCriteria,
		URL:         "https://clinicaltrials.gov/study/" + p.IdentificationModule.NCTID,
	}
	for _, iv := range p.ArmsInterventionsModule.Interventions {
		label := iv.Name
		if iv.Type != "" {
			label = iv.Type + ": " + iv.Name
		}
		t.Interventions = append(t.Interventions, label)
	}
	for _, loc := range p.ContactsLocationsModule.Locations {
		parts := make([]string, 0, 3)
		if loc.Facility != "" {
			parts = append(parts, loc.Facility)
		}
		if loc.City != "" {
			parts = append(parts, loc.City)
		}
		if loc.Country != "" {
			parts = append(parts, loc.Country)
		}
		if len(parts) > 0 {
			t.Locations = append(t.Locations, strings.Join(parts, ", "))
		}
	}
	return t
}

func bodySnippetError(body io.Reader) error {
	snippet, _ := io.ReadAll(io.LimitReader(body, 512))
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return nil
	}
	return fmt.Errorf("%s", text)
}

func joinNormalized(values []string, normalize func(string) string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, ",")
}

// normalizeStatus maps user phrasing onto registry status enums, e.g.
// "active, not recruiting" -> "ACTIVE_NOT_RECRUITING".
func normalizeStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, ",", "")
	return strings.Join(strings.Fields(s), "_")
}

// normalizePhase maps user phrasing onto registry phase enums, e.g.
// "phase 3" -> "PHASE3", "early phase 1" -> "EARLY_PHASE1".
func normalizePhase(phase string) string {
	p := strings.ToUpper(strings.TrimSpace(phase))
	p = strings.Join(strings.Fields(p), " ")
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "EARLY") {
		p = strings.TrimSpace(strings.TrimPrefix(p, "EARLY"))
		p = strings.TrimSpace(strings.TrimPrefix(p, "PHASE"))
		return "EARLY_PHASE" + strings.TrimSpace(p)
	}
	if p == "N/A" || p == "NA" || p == "NOT APPLICABLE" {
		return "NA"
	}
	p = strings.TrimSpace(strings.TrimPrefix(p, "PHASE"))
	return "PHASE" + strings.ReplaceAll(p, " ", "")
}

func renderTrials(q trialsQuery, winner *strategyOutcome, all []strategyOutcome) string {
	var b strings.Builder
	page := winner.page

	fmt.Fprintf(&b, "Found %d of %d registered trials for %q", len(page.Trials), page.Total, q.SearchTerm)
	if winner.strategy.term != q.SearchTerm {
		fmt.Fprintf(&b, " (matched via %s search on %q)", winner.strategy.label, winner.strategy.term)
	} else {
		fmt.Fprintf(&b, " (matched via %s search)", winner.strategy.label)
	}
	b.WriteString(".\n")

	for i, t := range page.Trials {
		fmt.Fprintf(&b, "\n%d. %s - %s\n", i+1, t.NCTID, t.Title)
		fmt.Fprintf(&b, "   Status: %s", t.Status)
		if len(t.Phases) > 0 {
			fmt.Fprintf(&b, " | Phases: %s", strings.Join(t.Phases, ", "))
		}
		b.WriteString("\n")
		if len(t.Conditions) > 0 {
			fmt.Fprintf(&b, "   Conditions: %s\n", strings.Join(t.Conditions, "; "))
		}
		if len(t.Interventions) > 0 {
			fmt.Fprintf(&b, "   Interventions: %s\n", strings.Join(t.Interventions, "; "))
		}
		if len(t.Locations) > 0 {
			fmt.Fprintf(&b, "   Locations: %s\n", renderLocations(t.Locations))
		}
		if t.Summary != "" {
			fmt.Fprintf(&b, "   Summary: %s\n", truncateText(t.Summary, 400))
		}
		if t.Eligibility != "" {
			fmt.Fprintf(&b, "   Eligibility: %s\n", truncateText(t.Eligibility, 300))
		}
		fmt.Fprintf(&b, "   Link: %s\n", t.URL)
	}

	b.WriteString("\nSearch coverage:")
	for _, r := range all {
		if r.err != nil {
			fmt.Fprintf(&b, " %s[%s]=error", r.strategy.label, r.strategy.term)
			continue
		}
		fmt.Fprintf(&b, " %s[%s]=%d", r.strategy.label, r.strategy.term, r.page.Total)
	}
	b.WriteString("\n")
	return b.String()
}

func renderLocations(locations []string) string {
	const maxShown = 3
	if len(locations) <= maxShown {
		return strings.Join(locations, "; ")
	}
	return fmt.Sprintf("%s; and %d more sites", strings.Join(locations[:maxShown], "; "), len(locations)-maxShown)
}

// truncateText collapses whitespace and caps the text at limit runes.
func truncateText(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
