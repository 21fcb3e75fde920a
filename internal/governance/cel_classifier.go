package governance

import (
	"github.com/google/cel-go/cel"
)

// CELClassifier extends the provider-name network heuristic with a
// per-project CEL expression over {model_id, provider}: compile once,
// evaluate per decision, default-deny on any error. It wraps a fallback
// classifier and only widens what counts as local/internal, so a broken
// expression can never grant network access the fallback would refuse.
type CELClassifier struct {
	fallback NetworkClassifier
	program  cel.Program
}

// NewCELClassifier compiles expression once; expression must evaluate to a
// bool given variables model_id and provider (both strings). Any compile
// error makes the classifier behave exactly like fallback (fail closed:
// nothing extra is classified as local).
func NewCELClassifier(expression string, fallback NetworkClassifier) (*CELClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("model_id", cel.StringType),
		cel.Variable("provider", cel.StringType),
	)
	if err != nil {
		return &CELClassifier{fallback: fallback}, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return &CELClassifier{fallback: fallback}, issues.Err()
	}

	prg, err := env.Program(ast)
	if err != nil {
		return &CELClassifier{fallback: fallback}, err
	}

	return &CELClassifier{fallback: fallback, program: prg}, nil
}

func (c *CELClassifier) IsLocalOrInternal(modelID, provider string) bool {
	if c.fallback != nil && c.fallback.IsLocalOrInternal(modelID, provider) {
		return true
	}
	if c.program == nil {
		return false
	}
	out, _, err := c.program.Eval(map[string]any{
		"model_id": modelID,
		"provider": provider,
	})
	if err != nil {
		return false // fail closed
	}
	result, ok := out.Value().(bool)
	return ok && result
}

var _ NetworkClassifier = (*CELClassifier)(nil)
