package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"reflect"
	"testing"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func TestResourceGetString(t *testing.T) {
	var res Resource
	raw := `{
		"resourceType": "Procedure",
		"id": "p1",
		"subject": {"reference": "Patient/abc"},
		"code": {"coding": [{"code": "5-123", "display": "Excision"}]},
		"total": 42
	}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("fixture invalid: %v", err)
	}

	cases := map[string]string{
		"id":                    "p1",
		"subject.reference":     "Patient/abc",
		"code.coding.0.code":    "5-123",
		"code.coding.0.display": "Excision",
		"code.coding.1.display": "",
		"total":                 "42",
		"missing.path":          "",
	}
	for path, want := range cases {
		if got := res.GetString(path); got != want {
			t.Errorf("GetString(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestResourceGetStringsExpandsArrays(t *testing.T) {
	var res Resource
	raw := `{
		"resourceType": "Patient",
		"id": "dup",
		"link": [
			{"other": {"reference": "Patient/a"}},
			{"other": {"reference": "Patient/b"}}
		]
	}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("fixture invalid: %v", err)
	}

	got := res.GetStrings("link.other.reference")
	if !reflect.DeepEqual(got, []string{"Patient/a", "Patient/b"}) {
		t.Fatalf("expected both link references, got %v", got)
	}
}

func TestSearchFollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"resourceType":"Encounter","id":"e2"}}]}`)
			return
		}
		fmt.Fprintf(w, `{"resourceType":"Bundle","type":"searchset","link":[{"relation":"next","url":"%s/Encounter?page=2"}],"entry":[{"resource":{"resourceType":"Encounter","id":"e1"}}]}`, server.URL)
	}))
	defer server.Close()

	client := NewClient(context.Background(), Options{BaseURL: server.URL, Retries: 1})
	resources, err := client.Search(context.Background(), "Encounter", url.Values{"subject": {"abc"}})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if len(resources) != 2 {
		t.Fatalf("expected 2 resources across pages, got %d", len(resources))
	}
	if resources[0].GetString("id") != "e1" || resources[1].GetString("id") != "e2" {
		t.Fatalf("unexpected page order: %v", resources)
	}
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "no such resource", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(context.Background(), Options{BaseURL: server.URL, Retries: 3})
	if _, err := client.Search(context.Background(), "Encounter", nil); err == nil {
		t.Fatal("expected error from 404 response")
	}
	if hits != 1 {
		t.Fatalf("expected a single request for a 404, got %d", hits)
	}
}

func TestSearchPropagatesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(context.Background(), Options{BaseURL: server.URL, Retries: 1})
	if _, err := client.Search(context.Background(), "Encounter", nil); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestPatientLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("link") != "A" {
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset"}`)
			return
		}
		fmt.Fprint(w, `{
			"resourceType": "Bundle",
			"type": "searchset",
			"entry": [{"resource": {
				"resourceType": "Patient",
				"id": "meta-1",
				"birthDate": "1960-04-01",
				"gender": "male",
				"link": [{"other": {"reference": "Patient/A"}}]
			}}]
		}`)
	}))
	defer server.Close()

	client := NewClient(context.Background(), Options{BaseURL: server.URL, Retries: 1})
	records, err := client.PatientLinks(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("patient links failed: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("expected one link record, got %d", len(records))
	}
	rec := records[0]
	if rec.PatientID != "meta-1" || !rec.Origin {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !reflect.DeepEqual(rec.Links, []string{"Patient/A"}) {
		t.Fatalf("unexpected links: %v", rec.Links)
	}
	if rec.BirthDate != "1960-04-01" || rec.Sex != "male" {
		t.Fatalf("demographics not retained: %+v", rec)
	}
}
