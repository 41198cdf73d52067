package gemini

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/template"

	"github.com/phrazzld/scry-batch/internal/domain"
	"github.com/phrazzld/scry-batch/internal/generation"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// promptData is what a prompt template is executed with.
type promptData struct {
	Workflow domain.Workflow
	Options  map[string]string
	Items    []domain.Item
}

// loadPrompts parses one template per workflow. Templates found in dir
// replace the embedded ones.
func loadPrompts(dir string) (map[domain.Workflow]*template.Template, error) {
	var override fs.FS
	if dir != "" {
		override = os.DirFS(dir)
	}

	prompts := make(map[domain.Workflow]*template.Template)
	for _, w := range []domain.Workflow{domain.WorkflowQuiz, domain.WorkflowSummary} {
		name := string(w) + ".tmpl"
		raw, err := readPrompt(override, name)
		if err != nil {
			return nil, err
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse prompt template %s: %v",
				generation.ErrInvalidConfig, name, err)
		}
		prompts[w] = tmpl
	}
	return prompts, nil
}

func readPrompt(override fs.FS, name string) ([]byte, error) {
	if override != nil {
		raw, err := fs.ReadFile(override, name)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: failed to read prompt template %s: %v",
				generation.ErrInvalidConfig, name, err)
		}
	}
	return promptFS.ReadFile("prompts/" + name)
}

// render executes the workflow template for a batch.
func (g *Generator) render(req generation.SubmitRequest) (string, error) {
	tmpl, ok := g.prompts[req.Workflow.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidWorkflow, req.Workflow.Kind)
	}

	data := promptData{
		Workflow: req.Workflow.Kind,
		Options:  req.Workflow.Options,
		Items:    req.Items,
	}
	if data.Options == nil {
		data.Options = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}
