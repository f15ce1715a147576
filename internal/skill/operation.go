package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/skillflow/internal/openapi"
	"github.com/pitabwire/skillflow/model"
)

// bodyInput carries a raw JSON request body. Remaining inputs are merged
// into it as top-level fields.
const bodyInput = "body"

// OperationService holds per-service call settings.
type OperationService struct {
	Token   string
	Timeout time.Duration
}

// OperationInvoker runs REST operations from loaded OpenAPI specs as skills.
// Step inputs are routed to path, query and header parameters by name; the
// rest become fields of the JSON body. The response body is the output.
type OperationInvoker struct {
	idx      *openapi.Index
	services map[string]OperationService
	client   *http.Client
}

// NewOperationInvoker creates an invoker over idx. services is keyed by
// service id; a service without an entry is called without a token.
func NewOperationInvoker(idx *openapi.Index, services map[string]OperationService, client *http.Client) *OperationInvoker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if services == nil {
		services = map[string]OperationService{}
	}
	return &OperationInvoker{idx: idx, services: services, client: client}
}

// Supports reports whether skillID names an indexed operation.
func (inv *OperationInvoker) Supports(skillID string) bool {
	_, ok := inv.idx.GetOperation(skillID)
	return ok
}

// Invoke performs the operation once. Retries belong to the engine.
func (inv *OperationInvoker) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	op, ok := inv.idx.GetOperation(req.SkillID)
	if !ok {
		return model.SkillResult{}, model.NewSkillNotFoundError(req.SkillID)
	}

	params, body, err := splitInputs(op, req.Inputs)
	if err != nil {
		return model.SkillResult{}, err
	}
	if errs := inv.idx.ValidateRequest(op.SkillID, params, body); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return model.SkillResult{}, model.NewBadRequestError(
			fmt.Sprintf("%s: %s", op.SkillID, strings.Join(msgs, "; ")))
	}

	headers := http.Header{}
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInHeader && params[p.Name] != "" {
			headers.Set(sanitizeHeader(p.Name), sanitizeHeader(params[p.Name]))
		}
	}
	svc := inv.services[op.ServiceID]
	if svc.Token != "" {
		headers.Set("Authorization", "Bearer "+sanitizeHeader(svc.Token))
	}
	if svc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, svc.Timeout)
		defer cancel()
	}

	var payload []byte
	if op.HasBody() {
		payload, err = json.Marshal(body)
		if err != nil {
			return model.SkillResult{}, fmt.Errorf("skill: marshal %s body: %w", op.SkillID, err)
		}
	}

	respBody, status, err := send(ctx, inv.client, op.Method, buildOperationURL(op, params), headers, payload)
	if err != nil {
		return model.SkillResult{}, err
	}
	if status < 200 || status >= 300 {
		return model.SkillResult{}, classifyStatus(status, respBody)
	}
	return model.SkillResult{Output: strings.TrimSpace(string(respBody))}, nil
}

// splitInputs routes inputs to declared parameters. Everything else becomes
// a body field when the operation takes a body, and is ignored otherwise.
func splitInputs(op openapi.Operation, inputs map[string]string) (map[string]string, map[string]any, error) {
	params := make(map[string]string)
	var body map[string]any
	if op.HasBody() {
		body = make(map[string]any)
		if raw := strings.TrimSpace(inputs[bodyInput]); raw != "" && op.ParamIn(bodyInput) == "" {
			if err := json.Unmarshal([]byte(raw), &body); err != nil {
				return nil, nil, model.NewBadRequestError(
					fmt.Sprintf("%s: input %q is not a JSON object", op.SkillID, bodyInput))
			}
		}
	}

	for name, value := range inputs {
		if op.ParamIn(name) != "" {
			params[name] = value
			continue
		}
		if body == nil || name == bodyInput {
			continue
		}
		body[name] = bodyValue(op, name, value)
	}
	return params, body, nil
}

// bodyValue decodes value as JSON when the body schema declares a
// non-string type for the field, so numbers and flags keep their types.
func bodyValue(op openapi.Operation, name, value string) any {
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return value
	}
	prop, ok := ct.Schema.Value.Properties[name]
	if !ok || prop.Value == nil || prop.Value.Type == nil || prop.Value.Type.Is(openapi3.TypeString) {
		return value
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return value
	}
	return v
}

func buildOperationURL(op openapi.Operation, params map[string]string) string {
	path := op.PathTemplate
	query := url.Values{}
	for _, p := range op.Parameters {
		v, ok := params[p.Name]
		if !ok {
			continue
		}
		switch p.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(v))
		case openapi3.ParameterInQuery:
			query.Set(p.Name, v)
		}
	}

	result := strings.TrimSuffix(op.BaseURL, "/") + path
	if len(query) > 0 {
		result += "?" + query.Encode()
	}
	return result
}
