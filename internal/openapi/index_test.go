package openapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	err := idx.Load(context.Background(), []SpecSource{
		{ServiceID: "crm", SpecPath: "testdata/crm.yaml"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)
	ids := idx.OperationIDs("crm")
	want := []string{"addNote", "getCompany", "searchCompanies"}
	if len(ids) != len(want) {
		t.Fatalf("OperationIDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("OperationIDs()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
	if idx.Len() != 3 {
		t.Errorf("Len() = %d, want 3", idx.Len())
	}
}

func TestIndex_GetOperation_found(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.GetOperation("crm.searchCompanies")
	if !ok {
		t.Fatal("GetOperation(crm.searchCompanies) not found")
	}
	if op.Method != "GET" {
		t.Errorf("Method = %q, want GET", op.Method)
	}
	if op.PathTemplate != "/companies" {
		t.Errorf("PathTemplate = %q, want /companies", op.PathTemplate)
	}
	if op.BaseURL != "https://crm.internal" {
		t.Errorf("BaseURL = %q, want the spec's first server", op.BaseURL)
	}
	if op.HasBody() {
		t.Error("searchCompanies should not take a body")
	}
	if op.ParamIn("q") != "query" {
		t.Errorf("ParamIn(q) = %q, want query", op.ParamIn("q"))
	}
}

func TestIndex_GetOperation_mergesPathParameters(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.GetOperation("crm.addNote")
	if !ok {
		t.Fatal("GetOperation(crm.addNote) not found")
	}
	if op.ParamIn("companyId") != "path" {
		t.Errorf("ParamIn(companyId) = %q, want path", op.ParamIn("companyId"))
	}
	if op.ParamIn("X-Author") != "header" {
		t.Errorf("ParamIn(X-Author) = %q, want header", op.ParamIn("X-Author"))
	}
	if op.ParamIn("text") != "" {
		t.Error("body fields are not parameters")
	}
	if !op.HasBody() {
		t.Error("addNote should take a JSON body")
	}
}

func TestIndex_GetOperation_not_found(t *testing.T) {
	idx := loadTestIndex(t)

	for _, id := range []string{"crm.nonexistent", "other.getCompany", "getCompany"} {
		if _, ok := idx.GetOperation(id); ok {
			t.Errorf("GetOperation(%q) should return false", id)
		}
	}
}

func TestIndex_BaseURLOverride(t *testing.T) {
	idx := NewIndex()
	err := idx.Load(context.Background(), []SpecSource{
		{ServiceID: "crm", BaseURL: "http://localhost:9999", SpecPath: "testdata/crm.yaml"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	op, _ := idx.GetOperation("crm.getCompany")
	if op.BaseURL != "http://localhost:9999" {
		t.Errorf("BaseURL = %q, want override", op.BaseURL)
	}
}

func TestIndex_Load_errors(t *testing.T) {
	dir := t.TempDir()
	noServers := filepath.Join(dir, "noservers.yaml")
	if err := os.WriteFile(noServers, []byte(`openapi: 3.0.3
info: { title: x, version: "1" }
paths:
  /x:
    get:
      operationId: getX
      responses:
        "200": { description: ok }
`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		src  SpecSource
	}{
		{"missing file", SpecSource{ServiceID: "a", SpecPath: filepath.Join(dir, "missing.yaml")}},
		{"no base URL", SpecSource{ServiceID: "b", SpecPath: noServers}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewIndex().Load(context.Background(), []SpecSource{tt.src}); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestIndex_ValidateRequest(t *testing.T) {
	idx := loadTestIndex(t)

	if errs := idx.ValidateRequest("crm.searchCompanies", map[string]string{"q": "acme"}, nil); len(errs) != 0 {
		t.Errorf("valid request errors = %v", errs)
	}

	errs := idx.ValidateRequest("crm.searchCompanies", nil, nil)
	if len(errs) != 1 || errs[0].Field != "q" {
		t.Errorf("missing query param errors = %v, want q", errs)
	}

	errs = idx.ValidateRequest("crm.addNote", map[string]string{"companyId": "c1"}, map[string]any{"pinned": true})
	if len(errs) != 1 || errs[0].Field != "text" {
		t.Errorf("missing body field errors = %v, want text", errs)
	}

	errs = idx.ValidateRequest("crm.nope", nil, nil)
	if len(errs) != 1 {
		t.Errorf("unknown operation errors = %v, want one", errs)
	}
}
