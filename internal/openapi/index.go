// Package openapi loads OpenAPI specifications and indexes their operations
// as skills. An operation with operationId "getQuote" in service "pricing"
// is addressed as skill "pricing.getQuote".
package openapi

import (
	"context"
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// Operation holds a resolved OpenAPI operation with its context.
type Operation struct {
	SkillID      string
	ServiceID    string
	OperationID  string
	Summary      string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	BaseURL      string
}

// HasBody reports whether the operation accepts a JSON request body.
func (op Operation) HasBody() bool {
	return op.RequestBody != nil && op.RequestBody.Content.Get("application/json") != nil
}

// ParamIn returns where the named parameter is carried ("path", "query",
// "header"), or "" when the operation declares no such parameter.
func (op Operation) ParamIn(name string) string {
	for _, p := range op.Parameters {
		if p.Name == name {
			return p.In
		}
	}
	return ""
}

// ValidationError describes a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of operations keyed by skill id.
type Index struct {
	operations map[string]Operation
	byService  map[string][]string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]Operation),
		byService:  make(map[string][]string),
	}
}

// SkillID returns the skill id under which an operation is indexed.
func SkillID(serviceID, operationID string) string {
	return serviceID + "." + operationID
}

// Load parses OpenAPI specs from the given sources and indexes all operations
// that carry an operationId.
func (idx *Index) Load(ctx context.Context, specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	loader.Context = ctx

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}

		if err := doc.Validate(ctx); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		baseURL := src.BaseURL
		if baseURL == "" && len(doc.Servers) > 0 {
			baseURL = doc.Servers[0].URL
		}
		if baseURL == "" {
			return fmt.Errorf("openapi: %s has no base URL and its spec declares no servers", src.ServiceID)
		}

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}

				// Operation-level parameters override path-level ones.
				byName := make(map[string]*openapi3.Parameter)
				var order []string
				for _, refs := range []openapi3.Parameters{pathItem.Parameters, op.Parameters} {
					for _, ref := range refs {
						if ref.Value == nil {
							continue
						}
						if _, seen := byName[ref.Value.Name]; !seen {
							order = append(order, ref.Value.Name)
						}
						byName[ref.Value.Name] = ref.Value
					}
				}
				params := make([]*openapi3.Parameter, 0, len(order))
				for _, name := range order {
					params = append(params, byName[name])
				}

				var reqBody *openapi3.RequestBody
				if op.RequestBody != nil && op.RequestBody.Value != nil {
					reqBody = op.RequestBody.Value
				}

				id := SkillID(src.ServiceID, op.OperationID)
				if _, dup := idx.operations[id]; dup {
					return fmt.Errorf("openapi: duplicate operation %s", id)
				}
				idx.operations[id] = Operation{
					SkillID:      id,
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Summary:      op.Summary,
					Method:       method,
					PathTemplate: path,
					Parameters:   params,
					RequestBody:  reqBody,
					BaseURL:      baseURL,
				}
				idx.byService[src.ServiceID] = append(idx.byService[src.ServiceID], op.OperationID)
			}
		}
	}

	return nil
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int {
	return len(idx.operations)
}

// GetOperation returns the operation indexed under skillID.
func (idx *Index) GetOperation(skillID string) (Operation, bool) {
	op, ok := idx.operations[skillID]
	return op, ok
}

// OperationIDs returns all operation IDs for the given service, sorted.
func (idx *Index) OperationIDs(serviceID string) []string {
	ids := make([]string, len(idx.byService[serviceID]))
	copy(ids, idx.byService[serviceID])
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks params and body against the operation: required
// path and query parameters must be present, and so must the required
// top-level fields of the JSON body schema.
func (idx *Index) ValidateRequest(skillID string, params map[string]string, body map[string]any) []ValidationError {
	op, ok := idx.operations[skillID]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s not found", skillID)}}
	}

	var errs []ValidationError
	for _, p := range op.Parameters {
		if !p.Required || (p.In != openapi3.ParameterInPath && p.In != openapi3.ParameterInQuery) {
			continue
		}
		if params[p.Name] == "" {
			errs = append(errs, ValidationError{
				Field:   p.Name,
				Message: fmt.Sprintf("%s parameter %s is required", p.In, p.Name),
			})
		}
	}

	if !op.HasBody() {
		return errs
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct.Schema == nil || ct.Schema.Value == nil {
		return errs
	}
	for _, req := range ct.Schema.Value.Required {
		if _, exists := body[req]; !exists {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}
