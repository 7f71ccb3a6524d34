package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"trial-scout/backend/pkg/errors"
)

func studyJSON(nctID, title, status string) string {
	return fmt.Sprintf(`{
		"protocolSection": {
			"identificationModule": {"nctId": %q, "briefTitle": %q},
			"statusModule": {"overallStatus": %q},
			"descriptionModule": {"briefSummary": "A study."},
			"designModule": {"phases": ["PHASE3"]},
			"conditionsModule": {"conditions": ["Breast Cancer"]},
			"armsInterventionsModule": {"interventions": [{"type": "DRUG", "name": "Test Compound"}]},
			"eligibilityModule": {"eligibilityCriteria": "Adults 18+."},
			"contactsLocationsModule": {"locations": [{"facility": "City Hospital", "city": "Boston", "country": "United States"}]}
		}
	}`, nctID, title, status)
}

func studiesJSON(total int, studies ...string) string {
	return fmt.Sprintf(`{"totalCount": %d, "studies": [%s]}`, total, strings.Join(studies, ","))
}

// trialsServer records every request and answers from a routing func.
type trialsServer struct {
	mu       sync.Mutex
	requests []url.Values
	route    func(q url.Values) (int, string)
}

func (s *trialsServer) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, q)
	s.mu.Unlock()

	status, body := s.route(q)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *trialsServer) seen() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values{}, s.requests...)
}

func newTrialsTest(t *testing.T, route func(q url.Values) (int, string)) (*TrialsAdapter, *trialsServer) {
	t.Helper()
	ts := &trialsServer{route: route}
	mux := http.NewServeMux()
	mux.HandleFunc("/studies", ts.handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewTrialsAdapter(srv.URL), ts
}

func TestNameVariations(t *testing.T) {
	got := nameVariations("ABC1234")
	if len(got) != 3 {
		t.Fatalf("variations = %v, want 3 forms", got)
	}
	if got[0] != "ABC1234" {
		t.Errorf("original spelling should come first, got %v", got)
	}
	want := map[string]bool{"ABC-1234": true, "ABC 1234": true}
	for _, v := range got[1:] {
		if !want[v] {
			t.Errorf("unexpected variation %q", v)
		}
	}

	if got := nameVariations("aspirin"); len(got) != 1 || got[0] != "aspirin" {
		t.Errorf("plain names should not vary, got %v", got)
	}
	if got := nameVariations("ABC-1234"); len(got) != 3 {
		t.Errorf("dash form should yield 3 unique forms, got %v", got)
	}
}

func TestTrialsValidate(t *testing.T) {
	a := NewTrialsAdapter("http://unused")
	cases := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"missing term", map[string]interface{}{}, true},
		{"blank term", map[string]interface{}{"search_term": "  "}, true},
		{"term wrong type", map[string]interface{}{"search_term": 7}, true},
		{"minimal", map[string]interface{}{"search_term": "metformin"}, false},
		{"max too small", map[string]interface{}{"search_term": "x", "max_results": float64(0)}, true},
		{"max too big", map[string]interface{}{"search_term": "x", "max_results": float64(99)}, true},
		{"max fractional", map[string]interface{}{"search_term": "x", "max_results": 2.5}, true},
		{"max ok", map[string]interface{}{"search_term": "x", "max_results": float64(50)}, false},
		{"status ok", map[string]interface{}{"search_term": "x", "status": []interface{}{"recruiting"}}, false},
		{"status wrong type", map[string]interface{}{"search_term": "x", "status": []interface{}{1}}, true},
		{"phase ok", map[string]interface{}{"search_term": "x", "phase": []interface{}{"phase 3"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Validate(tc.args)
			if tc.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if err != nil && errors.Classification(err) != errors.ClassValidation {
				t.Errorf("classification = %s, want validation", errors.Classification(err))
			}
		})
	}
}

func TestSmartSearchPrefersTermStrategy(t *testing.T) {
	a, _ := newTrialsTest(t, func(q url.Values) (int, string) {
		switch {
		case q.Get("query.term") != "":
			return 200, studiesJSON(1, studyJSON("NCT11111111", "Term Hit", "RECRUITING"))
		case q.Get("query.intr") != "":
			return 200, studiesJSON(1, studyJSON("NCT22222222", "Intervention Hit", "RECRUITING"))
		default:
			return 200, studiesJSON(0)
		}
	})

	payload, err := a.Execute(context.Background(), map[string]interface{}{"search_term": "metformin"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(payload, "NCT11111111") {
		t.Errorf("payload should carry the term-strategy hit:\n%s", payload)
	}
	if strings.Contains(payload, "NCT22222222") {
		t.Errorf("lower-priority hits should not be listed:\n%s", payload)
	}
	if !strings.Contains(payload, "term search") {
		t.Errorf("payload should name the winning strategy:\n%s", payload)
	}
}

func TestSmartSearchTriesVariationsAndIndexes(t *testing.T) {
	a, ts := newTrialsTest(t, func(q url.Values) (int, string) {
		if q.Get("query.intr") == "ABC 1234" {
			return 200, studiesJSON(4, studyJSON("NCT33333333", "Compound Study", "RECRUITING"))
		}
		return 200, studiesJSON(0)
	})

	payload, err := a.Execute(context.Background(), map[string]interface{}{"search_term": "ABC-1234"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(payload, "NCT33333333") {
		t.Errorf("variation search should find the study:\n%s", payload)
	}
	if !strings.Contains(payload, "intervention") {
		t.Errorf("payload should name the intervention strategy:\n%s", payload)
	}

	sawSpaceForm := false
	for _, req := range ts.seen() {
		if req.Get("query.intr") == "ABC 1234" {
			sawSpaceForm = true
		}
	}
	if !sawSpaceForm {
		t.Error("the space-form variation never reached the registry")
	}
}

func TestSmartSearchZeroHitsIsSuccess(t *testing.T) {
	a, _ := newTrialsTest(t, func(q url.Values) (int, string) {
		return 200, studiesJSON(0)
	})

	payload, err := a.Execute(context.Background(), map[string]interface{}{"search_term": "nonexistium"})
	if err != nil {
		t.Fatalf("zero hits must not be an error: %v", err)
	}
	if !strings.Contains(payload, "No registered trials matched") {
		t.Errorf("payload = %q", payload)
	}
}

func TestSearchRequestShape(t *testing.T) {
	a, ts := newTrialsTest(t, func(q url.Values) (int, string) {
		return 200, studiesJSON(0)
	})

	_, err := a.Execute(context.Background(), map[string]interface{}{
		"search_term": "metformin",
		"location":    "Boston",
		"status":      []interface{}{"recruiting", "active, not recruiting"},
		"phase":       []interface{}{"phase 3"},
		"max_results": float64(2),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	reqs := ts.seen()
	if len(reqs) == 0 {
		t.Fatal("no requests reached the registry")
	}
	for _, q := range reqs {
		if q.Get("pageSize") != "2" {
			t.Errorf("pageSize = %q, want 2", q.Get("pageSize"))
		}
		if q.Get("countTotal") != "true" {
			t.Errorf("countTotal = %q, want true", q.Get("countTotal"))
		}
		if q.Get("sort") != "@relevance" {
			t.Errorf("sort = %q, want @relevance", q.Get("sort"))
		}
		if q.Get("query.locn") != "Boston" {
			t.Errorf("query.locn = %q, want Boston", q.Get("query.locn"))
		}
		if q.Get("filter.overallStatus") != "RECRUITING,ACTIVE_NOT_RECRUITING" {
			t.Errorf("filter.overallStatus = %q", q.Get("filter.overallStatus"))
		}
		if q.Get("filter.phase") != "PHASE3" {
			t.Errorf("filter.phase = %q", q.Get("filter.phase"))
		}
	}
}

func TestUpstreamServerErrorIsRetryable(t *testing.T) {
	a, _ := newTrialsTest(t, func(q url.Values) (int, string) {
		return 500, `{"message": "internal"}`
	})

	_, err := a.Execute(context.Background(), map[string]interface{}{"search_term": "metformin"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("5xx should be retryable: %v", err)
	}
	if errors.Classification(err) != errors.ClassInfrastructure {
		t.Errorf("classification = %s, want infrastructure", errors.Classification(err))
	}
}

func TestUpstreamClientErrorIsValidation(t *testing.T) {
	a, _ := newTrialsTest(t, func(q url.Values) (int, string) {
		return 400, `{"message": "bad query"}`
	})

	_, err := a.Execute(context.Background(), map[string]interface{}{"search_term": "metformin"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.IsRetryable(err) {
		t.Errorf("4xx should not be retryable: %v", err)
	}
	if errors.Classification(err) != errors.ClassValidation {
		t.Errorf("classification = %s, want validation", errors.Classification(err))
	}
}

func TestNormalizeEnums(t *testing.T) {
	if got := normalizeStatus("active, not recruiting"); got != "ACTIVE_NOT_RECRUITING" {
		t.Errorf("normalizeStatus = %q", got)
	}
	if got := normalizePhase("phase 3"); got != "PHASE3" {
		t.Errorf("normalizePhase = %q", got)
	}
	if got := normalizePhase("early phase 1"); got != "EARLY_PHASE1" {
		t.Errorf("normalizePhase early = %q", got)
	}
	if got := normalizePhase("PHASE2"); got != "PHASE2" {
		t.Errorf("normalizePhase passthrough = %q", got)
	}
}
