package generation

import (
	"embed"
	"fmt"
	"strings"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaValidator checks generated payloads against the JSON schema of their workflow.
type SchemaValidator struct {
	schemas map[domain.Workflow]*gojsonschema.Schema
}

// NewSchemaValidator compiles the built-in workflow schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[domain.Workflow]*gojsonschema.Schema)}
	for _, w := range []domain.Workflow{domain.WorkflowQuiz, domain.WorkflowSummary} {
		raw, err := schemaFS.ReadFile("schemas/" + string(w) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", w, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", w, err)
		}
		v.schemas[w] = schema
	}
	return v, nil
}

// Check validates one payload and returns a description of every violation.
func (v *SchemaValidator) Check(workflow domain.Workflow, payload []byte) error {
	schema, ok := v.schemas[workflow]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrInvalidWorkflow, workflow)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.Field()+": "+e.Description())
	}
	return fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(msgs, "; "))
}

// Apply returns results with every invalid payload turned into a failed item.
// Results that already failed are left alone.
func (v *SchemaValidator) Apply(workflow domain.Workflow, results []domain.ItemResult) []domain.ItemResult {
	out := make([]domain.ItemResult, len(results))
	for i, r := range results {
		out[i] = r
		if r.Failed() {
			continue
		}
		if err := v.Check(workflow, r.Payload); err != nil {
			out[i].Payload = nil
			out[i].Error = err.Error()
		}
	}
	return out
}
