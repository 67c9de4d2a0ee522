package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCreateIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/webapp/issues" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp-test" {
			t.Fatalf("unexpected Authorization header: %q", got)
		}
		var req createIssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		want := createIssueRequest{Title: "Login 500", Body: "details", Labels: []string{"ai-codegen", "bug"}}
		if diff := cmp.Diff(want, req); diff != "" {
			t.Fatalf("request mismatch (-want +got):\n%s", diff)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "html_url": "https://github.com/acme/webapp/issues/42", "state": "open"}`))
	}))
	defer server.Close()

	c := New("ghp-test")
	c.BaseURL = server.URL
	ref, err := c.CreateIssue(context.Background(), "acme/webapp", "Login 500", "details", []string{"ai-codegen", "bug"})
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	if ref.Number != 42 || ref.URL != "https://github.com/acme/webapp/issues/42" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
}

func TestCreateIssueSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
	}))
	defer server.Close()

	c := New("ghp-test")
	c.BaseURL = server.URL
	_, err := c.CreateIssue(context.Background(), "acme/webapp", "t", "b", nil)
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("expected 422 error, got %v", err)
	}
}

func TestIssueState(t *testing.T) {
	states := map[string]string{"/repos/acme/webapp/issues/1": "open", "/repos/acme/webapp/issues/2": "closed"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, ok := states[r.URL.Path]
		if !ok {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"number": 1, "state": "` + state + `"}`))
	}))
	defer server.Close()

	c := New("ghp-test")
	c.BaseURL = server.URL
	for number, want := range map[int]string{1: "open", 2: "closed"} {
		got, err := c.IssueState(context.Background(), "acme/webapp", number)
		if err != nil {
			t.Fatalf("IssueState(%d) failed: %v", number, err)
		}
		if got != want {
			t.Fatalf("IssueState(%d) = %s, want %s", number, got, want)
		}
	}
}
