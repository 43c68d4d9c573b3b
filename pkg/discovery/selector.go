package discovery

import (
	"fmt"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Selector is a compiled CEL expression evaluated against a PVC, exposed to
// the expression as "object".
type Selector struct {
	expr string
	prg  cel.Program
}

func NewSelector(expression string) (*Selector, error) {
	env, err := cel.NewEnv(
		cel.Variable("object", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling selector %q: %w", expression, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating CEL program: %w", err)
	}
	return &Selector{expr: expression, prg: prg}, nil
}

// Match evaluates the selector against pvc.
func (s *Selector) Match(pvc *corev1.PersistentVolumeClaim) (bool, error) {
	obj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(pvc)
	if err != nil {
		return false, fmt.Errorf("converting PVC: %w", err)
	}

	out, _, err := s.prg.Eval(map[string]interface{}{
		"object": obj,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating selector %q: %w", s.expr, err)
	}
	if out.Type() != celtypes.BoolType {
		return false, fmt.Errorf("selector %q returned %s, expected bool", s.expr, out.Type())
	}
	return out.Value().(bool), nil
}
