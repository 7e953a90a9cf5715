package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Vars is the set of values an expression is evaluated against.
type Vars struct {
	FlowID      string
	ComponentID string
	Content     string
	ContentType string
	Properties  map[string]string
}

func (v Vars) activation() map[string]interface{} {
	props := v.Properties
	if props == nil {
		props = map[string]string{}
	}

	vars := map[string]interface{}{
		"flow_id":      v.FlowID,
		"component_id": v.ComponentID,
		"content":      v.Content,
		"content_type": v.ContentType,
		"properties":   props,
		"payload":      map[string]interface{}{},
	}

	if strings.EqualFold(v.ContentType, "JSON") {
		var payload interface{}
		if err := json.Unmarshal([]byte(v.Content), &payload); err == nil {
			vars["payload"] = payload
		}
	}
	return vars
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("flow_id", cel.StringType),
		cel.Variable("component_id", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("content_type", cel.StringType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("payload", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// Compiled is a checked program bound to its expected result type.
type Compiled struct {
	program    cel.Program
	expression string
}

func (e *Evaluator) compile(expression string, want *cel.Type) (*Compiled, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	out := ast.OutputType()
	if want != nil && !out.IsExactType(cel.DynType) && !out.IsExactType(want) {
		return nil, fmt.Errorf("expression must return %v, got %v", want, out)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Compiled{program: program, expression: expression}, nil
}

// CompileFilter compiles a boolean predicate.
func (e *Evaluator) CompileFilter(expression string) (*Compiled, error) {
	return e.compile(expression, cel.BoolType)
}

// CompileTransform compiles an expression producing the new content.
func (e *Evaluator) CompileTransform(expression string) (*Compiled, error) {
	return e.compile(expression, cel.StringType)
}

func (c *Compiled) EvaluateBool(ctx context.Context, vars Vars) (bool, error) {
	out, err := c.eval(ctx, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", out)
	}
	return b, nil
}

func (c *Compiled) EvaluateString(ctx context.Context, vars Vars) (string, error) {
	out, err := c.eval(ctx, vars)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("CEL expression did not return string, got %T", out)
	}
	return s, nil
}

func (c *Compiled) eval(ctx context.Context, vars Vars) (interface{}, error) {
	result, _, err := c.program.ContextEval(ctx, vars.activation())
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	return result.Value(), nil
}

func (c *Compiled) String() string {
	return c.expression
}
