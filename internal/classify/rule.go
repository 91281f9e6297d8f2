package classify

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// spamRule wraps a compiled CEL program evaluated against inbound text.
// Operators use these to extend the built-in heuristics from configuration.
type spamRule struct {
	prog    cel.Program
	enabled bool
}

func compileSpamRule(expr string) (spamRule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return spamRule{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("length", cel.IntType),
	)
	if err != nil {
		return spamRule{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return spamRule{}, iss.Err()
	}
	prog, err := env.Program(ast)
	if err != nil {
		return spamRule{}, err
	}
	return spamRule{prog: prog, enabled: true}, nil
}

// eval returns the rule verdict; evaluation errors count as "not spam".
func (r spamRule) eval(sender, text string) bool {
	out, _, err := r.prog.Eval(map[string]any{
		"text":   text,
		"sender": sender,
		"length": int64(len(text)),
	})
	if err != nil {
		return false
	}
	verdict, ok := out.Value().(bool)
	return ok && verdict
}
