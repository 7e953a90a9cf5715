package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"meridian/internal/hl7"
	"meridian/internal/message"
	"meridian/pkg/cel"
	apperrors "meridian/pkg/errors"
)

const (
	AcceptAll      = "accept-all"
	ForwardAll     = "forward-all"
	ContentType    = "content-type"
	HL7MessageType = "hl7-message-type"
	CEL            = "cel"
	JSONSchema     = "json-schema"
)

func RegisterBuiltins(r *Registry) {
	r.RegisterAcceptance(AcceptAll, newPassAll(AcceptAll))
	r.RegisterForwarding(ForwardAll, newPassAll(ForwardAll))

	for _, reg := range []func(string, Factory){r.RegisterAcceptance, r.RegisterForwarding} {
		reg(ContentType, newContentTypeFilter)
		reg(HL7MessageType, newHL7TypeFilter)
		reg(CEL, newCELFilter)
		reg(JSONSchema, newJSONSchemaFilter)
	}
}

type passAll struct {
	name string
}

func newPassAll(name string) Factory {
	return func(Config) (Policy, error) {
		return passAll{name: name}, nil
	}
}

func (p passAll) Name() string { return p.name }

func (passAll) ApplyPolicy(context.Context, Subject) (Result, error) {
	return Accept(), nil
}

type contentTypeFilter struct {
	allowed map[message.ContentType]bool
	list    []string
}

// newContentTypeFilter reads allowed_content_types, a comma-separated list.
func newContentTypeFilter(cfg Config) (Policy, error) {
	f := &contentTypeFilter{allowed: make(map[message.ContentType]bool)}
	for _, v := range cfg.List("allowed_content_types") {
		ct, err := message.ParseContentType(v)
		if err != nil {
			return nil, err
		}
		f.allowed[ct] = true
		f.list = append(f.list, string(ct))
	}
	if len(f.allowed) == 0 {
		return nil, fmt.Errorf("allowed_content_types is required")
	}
	return f, nil
}

func (f *contentTypeFilter) Name() string { return "ContentTypeFilter" }

func (f *contentTypeFilter) ApplyPolicy(_ context.Context, s Subject) (Result, error) {
	if f.allowed[s.ContentType] {
		return Accept(), nil
	}
	return Filter(f.Name(), fmt.Sprintf("content type %s not in [%s]", s.ContentType, strings.Join(f.list, ", "))), nil
}

type hl7TypeFilter struct {
	patterns []string
}

// newHL7TypeFilter reads message_types, a comma-separated list of MSH-9
// patterns such as "ADT^A01" or "ORU^*".
func newHL7TypeFilter(cfg Config) (Policy, error) {
	patterns := cfg.List("message_types")
	if len(patterns) == 0 {
		return nil, fmt.Errorf("message_types is required")
	}
	return &hl7TypeFilter{patterns: patterns}, nil
}

func (f *hl7TypeFilter) Name() string { return "HL7MessageTypeFilter" }

func (f *hl7TypeFilter) ApplyPolicy(_ context.Context, s Subject) (Result, error) {
	if s.ContentType != message.ContentTypeHL7 && s.ContentType != message.ContentTypeHL7Ack {
		return Filter(f.Name(), fmt.Sprintf("content type %s is not HL7", s.ContentType)), nil
	}

	header, err := hl7.ParseHeader(s.Content)
	if err != nil {
		return Filter(f.Name(), "message has no readable MSH header"), nil
	}

	for _, p := range f.patterns {
		if header.MatchType(p) {
			return Accept(), nil
		}
	}
	return Filter(f.Name(), fmt.Sprintf("message type %s does not match [%s]", header.Type(), strings.Join(f.patterns, ", "))), nil
}

type celFilter struct {
	program *cel.Compiled
	name    string
}

// newCELFilter reads expression, a boolean CEL expression, and an optional
// filter_name reported when the expression is false.
func newCELFilter(cfg Config) (Policy, error) {
	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(cfg["expression"])
	if expr == "" {
		return nil, fmt.Errorf("expression is required")
	}
	program, err := eval.CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	name := cfg["filter_name"]
	if name == "" {
		name = "CELFilter"
	}
	return &celFilter{program: program, name: name}, nil
}

func (f *celFilter) Name() string { return f.name }

func (f *celFilter) ApplyPolicy(ctx context.Context, s Subject) (Result, error) {
	ok, err := f.program.EvaluateBool(ctx, cel.Vars{
		FlowID:      s.FlowID,
		ComponentID: s.ComponentID,
		Content:     s.Content,
		ContentType: string(s.ContentType),
		Properties:  s.Properties.Map(),
	})
	if err != nil {
		return Result{}, apperrors.ErrProcessing.WithCause(err).WithMessage(err.Error())
	}
	if !ok {
		return Filter(f.name, fmt.Sprintf("expression %q evaluated to false", f.program)), nil
	}
	return Accept(), nil
}

type jsonSchemaFilter struct {
	schema *jsonschema.Schema
}

// newJSONSchemaFilter reads schema, an inline JSON Schema document.
func newJSONSchemaFilter(cfg Config) (Policy, error) {
	raw := strings.TrimSpace(cfg["schema"])
	if raw == "" {
		return nil, fmt.Errorf("schema is required")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("component-schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("component-schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &jsonSchemaFilter{schema: schema}, nil
}

func (f *jsonSchemaFilter) Name() string { return "JSONSchemaFilter" }

func (f *jsonSchemaFilter) ApplyPolicy(_ context.Context, s Subject) (Result, error) {
	if s.ContentType != message.ContentTypeJSON {
		return Filter(f.Name(), fmt.Sprintf("content type %s is not JSON", s.ContentType)), nil
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(s.Content))
	if err != nil {
		return Filter(f.Name(), "content is not valid JSON"), nil
	}
	if err := f.schema.Validate(inst); err != nil {
		return Filter(f.Name(), err.Error()), nil
	}
	return Accept(), nil
}
