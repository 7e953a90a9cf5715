package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"meridian/internal/hl7"
	"meridian/internal/ledger"
	"meridian/internal/message"
	"meridian/internal/policy"
	"meridian/pkg/cel"
)

const (
	CELTransformer = "cel"
	HL7Batch       = "hl7-batch"
	JSONArray      = "json-array"

	PropSplitIndex = "split.index"
	PropSplitTotal = "split.total"
)

func RegisterBuiltins(r *Registry) {
	r.RegisterTransformer(CELTransformer, newCELTransformer)
	r.RegisterSplitter(HL7Batch, newHL7BatchSplitter)
	r.RegisterSplitter(JSONArray, newJSONArraySplitter)
}

type celTransformer struct {
	program     *cel.Compiled
	contentType message.ContentType
}

// newCELTransformer reads expression, a string-valued CEL expression that
// yields the new content, and an optional output_content_type.
func newCELTransformer(cfg policy.Config) (Transformer, error) {
	expr := strings.TrimSpace(cfg["expression"])
	if expr == "" {
		return nil, fmt.Errorf("expression is required")
	}

	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	program, err := eval.CompileTransform(expr)
	if err != nil {
		return nil, err
	}

	t := &celTransformer{program: program}
	if v := cfg["output_content_type"]; v != "" {
		if t.contentType, err = message.ParseContentType(v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *celTransformer) Transform(ctx context.Context, in Input) (Output, error) {
	out, err := t.program.EvaluateString(ctx, cel.Vars{
		FlowID:      in.FlowID,
		ComponentID: in.ComponentID,
		Content:     in.Content,
		ContentType: string(in.ContentType),
		Properties:  in.Properties.Map(),
	})
	if err != nil {
		return Output{}, Failed(err)
	}
	return Output{Content: out, ContentType: t.contentType}, nil
}

type hl7BatchSplitter struct{}

func newHL7BatchSplitter(policy.Config) (Splitter, error) {
	return hl7BatchSplitter{}, nil
}

// Split cuts an HL7 batch into one message per MSH segment. Batch envelope
// segments (FHS, BHS, BTS, FTS) are dropped.
func (hl7BatchSplitter) Split(_ context.Context, in Input) ([]Output, error) {
	var (
		messages [][]string
		current  []string
	)
	for _, seg := range hl7.Segments(in.Content) {
		switch {
		case strings.HasPrefix(seg, "FHS"), strings.HasPrefix(seg, "BHS"),
			strings.HasPrefix(seg, "BTS"), strings.HasPrefix(seg, "FTS"):
			continue
		case strings.HasPrefix(seg, "MSH"):
			if current != nil {
				messages = append(messages, current)
			}
			current = []string{seg}
		default:
			if current == nil {
				return nil, Failed(fmt.Errorf("segment %.3s appears before any MSH", seg))
			}
			current = append(current, seg)
		}
	}
	if current != nil {
		messages = append(messages, current)
	}
	if len(messages) == 0 {
		return nil, Failed(errors.New("batch contains no MSH segment"))
	}

	out := make([]Output, len(messages))
	for i, segs := range messages {
		out[i] = Output{
			Content:     strings.Join(segs, "\r") + "\r",
			ContentType: message.ContentTypeHL7,
			Properties:  splitProps(i, len(messages)),
		}
	}
	return out, nil
}

type jsonArraySplitter struct{}

func newJSONArraySplitter(policy.Config) (Splitter, error) {
	return jsonArraySplitter{}, nil
}

func (jsonArraySplitter) Split(_ context.Context, in Input) ([]Output, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(in.Content), &items); err != nil {
		return nil, Failed(fmt.Errorf("content is not a JSON array: %w", err))
	}

	out := make([]Output, len(items))
	for i, item := range items {
		out[i] = Output{
			Content:     string(item),
			ContentType: message.ContentTypeJSON,
			Properties:  splitProps(i, len(items)),
		}
	}
	return out, nil
}

func splitProps(i, total int) ledger.Properties {
	return ledger.Properties{
		{Key: PropSplitIndex, Value: strconv.Itoa(i)},
		{Key: PropSplitTotal, Value: strconv.Itoa(total)},
	}
}
