// Package condition decides whether a conditional workflow step runs, based
// on the output and status of an earlier step.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/skillflow/model"
)

// Evaluator evaluates step conditions. The zero value is not usable; use
// NewEvaluator.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. A nil logger discards diagnostics.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate reports whether the step guarded by cond should run. outputs is
// keyed by step id and statuses holds the status of every step of the run.
//
// A source step that was skipped, failed, or never ran satisfies only
// notExists. exists and notExists treat blank text as absent. equals and
// notEquals compare trimmed strings, so an empty output equals ""; a field
// that is not found at all equals nothing.
func (e *Evaluator) Evaluate(cond model.StepCondition, outputs map[string]string, statuses map[string]model.StepStatus) bool {
	if statuses[cond.SourceStep] != model.StepCompleted {
		return cond.Operator == model.OpNotExists
	}

	subject, found := ExtractField(outputs[cond.SourceStep], cond.Field)
	present := found && strings.TrimSpace(subject) != ""

	switch cond.Operator {
	case model.OpExists:
		return present
	case model.OpNotExists:
		return !present
	case model.OpEquals:
		return found && strings.TrimSpace(subject) == strings.TrimSpace(cond.Value)
	case model.OpNotEquals:
		return !found || strings.TrimSpace(subject) != strings.TrimSpace(cond.Value)
	case model.OpContains:
		return present && strings.Contains(subject, cond.Value)
	case model.OpNotContains:
		return !present || !strings.Contains(subject, cond.Value)
	case model.OpGreaterThan, model.OpLessThan:
		if !present {
			return false
		}
		lhs, ok := parseNumber(subject)
		if !ok {
			return false
		}
		rhs, ok := parseNumber(cond.Value)
		if !ok {
			return false
		}
		if cond.Operator == model.OpGreaterThan {
			return lhs > rhs
		}
		return lhs < rhs
	}

	e.logger.Warn("unknown condition operator",
		zap.String("source_step", cond.SourceStep),
		zap.String("operator", string(cond.Operator)),
	)
	return false
}

// Evaluate is a convenience wrapper around an Evaluator without logging.
func Evaluate(cond model.StepCondition, outputs map[string]string, statuses map[string]model.StepStatus) bool {
	return NewEvaluator(nil).Evaluate(cond, outputs, statuses)
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ExtractField returns the comparison subject for field within output and
// whether it was found. An empty field selects the whole output.
//
// JSON output is walked along the dot path; objects and arrays found at the
// end of the path are returned re-encoded as JSON. Output that is not JSON is
// searched for "field: value" style text instead.
func ExtractField(output, field string) (string, bool) {
	if field == "" {
		return output, true
	}

	dec := json.NewDecoder(strings.NewReader(output))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err == nil && !dec.More() {
		v, ok := navigatePath(doc, field)
		if !ok {
			return "", false
		}
		return scalarString(v)
	}

	return extractFromText(output, field)
}

// navigatePath walks a dot-separated path through decoded JSON. Numeric
// segments index into arrays.
func navigatePath(data any, path string) (any, bool) {
	current := data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return fmt.Sprint(val), true
		}
		return strings.TrimSuffix(buf.String(), "\n"), true
	}
}

// Text patterns tried in order against non-JSON output. %s is the quoted
// field name.
var textPatterns = []string{
	`(?i)\*\*%s\*\*[:\s]+([\d.]+)`,
	`(?i)%s[:=\s]+([\d.]+)`,
	`(?i)%s[:=\s]+"([^"]+)"`,
	`(?i)%s[:=\s]+'([^']+)'`,
	`(?i)%s[:=\s]+([^\s,]+)`,
}

func extractFromText(output, field string) (string, bool) {
	quoted := regexp.QuoteMeta(field)
	for _, p := range textPatterns {
		re, err := regexp.Compile(fmt.Sprintf(p, quoted))
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(output); len(m) > 1 && m[1] != "" {
			return m[1], true
		}
	}
	if strings.Contains(strings.ToLower(output), strings.ToLower(field)) {
		return "true", true
	}
	return "", false
}

// Describe renders cond as a short human-readable phrase, used as the skip
// reason for a step whose condition was not met.
func Describe(cond model.StepCondition) string {
	subject := "output"
	if cond.Field != "" {
		subject = strconv.Quote(cond.Field)
	}
	if cond.SourceStep != "" {
		subject = cond.SourceStep + " " + subject
	}

	switch cond.Operator {
	case model.OpExists:
		return subject + " exists"
	case model.OpNotExists:
		return subject + " does not exist"
	case model.OpEquals:
		return fmt.Sprintf("%s equals %q", subject, cond.Value)
	case model.OpNotEquals:
		return fmt.Sprintf("%s does not equal %q", subject, cond.Value)
	case model.OpContains:
		return fmt.Sprintf("%s contains %q", subject, cond.Value)
	case model.OpNotContains:
		return fmt.Sprintf("%s does not contain %q", subject, cond.Value)
	case model.OpGreaterThan:
		return fmt.Sprintf("%s > %s", subject, cond.Value)
	case model.OpLessThan:
		return fmt.Sprintf("%s < %s", subject, cond.Value)
	}
	return "condition on " + subject
}
