package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/store"
	apperrors "meridian/pkg/errors"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
	"meridian/pkg/tracing"
)

const tracerName = "meridian-ledger"

// maxLineageDepth bounds parent traversal in case of corrupted links.
const maxLineageDepth = 256

type Ledger struct {
	repo     Repository
	messages message.Store
	uow      store.UnitOfWork
	logger   logger.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(repo Repository, messages message.Store, uow store.UnitOfWork, log logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:     repo,
		messages: messages,
		uow:      uow,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordStep appends a node to the lineage graph. A request without a parent
// starts a new group and must carry content. A child reuses its parent's
// message unless the supplied content or content type differs, and inherits
// the parent's properties before its own are appended.
func (l *Ledger) RecordStep(ctx context.Context, req StepRequest) (*Flow, error) {
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "ledger.record_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("component_id", req.ComponentID),
		attribute.String("action", string(req.Action)),
	)

	if err := validateStep(req); err != nil {
		return nil, err
	}

	var flow *Flow
	err := l.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		if req.ParentID == "" {
			flow, err = l.recordRoot(ctx, req)
		} else {
			flow, err = l.recordChild(ctx, req)
		}
		if err != nil {
			return err
		}
		return l.repo.Insert(ctx, flow)
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	metrics.IncLedgerStep(string(flow.Action))
	span.SetAttributes(attribute.String("flow_id", flow.ID))
	l.logger.DebugwCtx(logging.WithFlowID(ctx, flow.ID), "Recorded flow step",
		"action", flow.Action,
		"group_id", flow.GroupID,
		"component_id", flow.ComponentID,
	)
	return flow, nil
}

func validateStep(req StepRequest) error {
	if req.ComponentID == "" {
		return apperrors.ErrValidation.WithMessage("component id is required")
	}
	if !req.Action.Valid() {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ContentType != "" && !req.ContentType.Valid() {
		return apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown content type %q", req.ContentType))
	}
	if req.ParentID == "" {
		if req.Content == nil {
			return apperrors.ErrValidation.WithMessage("root step requires content")
		}
		if req.ContentType == "" {
			return apperrors.ErrValidation.WithMessage("root step requires a content type")
		}
	}
	for _, p := range req.Properties {
		if strings.TrimSpace(p.Key) == "" {
			return apperrors.ErrValidation.WithMessage("property key must not be empty")
		}
	}
	return nil
}

func (l *Ledger) recordRoot(ctx context.Context, req StepRequest) (*Flow, error) {
	groupID, err := l.repo.CreateGroup(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := l.messages.Save(ctx, *req.Content, req.ContentType)
	if err != nil {
		return nil, err
	}

	now := l.now()
	return &Flow{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		ComponentID: req.ComponentID,
		MessageID:   msg.ID,
		ContentType: msg.ContentType,
		ContentHash: msg.ContentHash,
		Action:      req.Action,
		Properties:  Properties{}.Merge(req.Properties),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (l *Ledger) recordChild(ctx context.Context, req StepRequest) (*Flow, error) {
	parent, err := l.repo.Get(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = parent.ContentType
	}

	messageID, contentHash := parent.MessageID, parent.ContentHash
	if req.Content != nil {
		hash := message.Hash(*req.Content)
		if hash != parent.ContentHash || contentType != parent.ContentType {
			msg, err := l.messages.Save(ctx, *req.Content, contentType)
			if err != nil {
				return nil, err
			}
			messageID, contentHash = msg.ID, msg.ContentHash
		}
	} else if contentType != parent.ContentType {
		// Same bytes under a new content type still needs its own record.
		content, err := l.messages.Get(ctx, parent.MessageID)
		if err != nil {
			return nil, err
		}
		msg, err := l.messages.Save(ctx, content.Content, contentType)
		if err != nil {
			return nil, err
		}
		messageID, contentHash = msg.ID, msg.ContentHash
	}
	if messageID == parent.MessageID {
		metrics.LedgerContentReusedTotal.Inc()
	}

	parentID := parent.ID
	now := l.now()
	return &Flow{
		ID:          uuid.NewString(),
		GroupID:     parent.GroupID,
		ParentID:    &parentID,
		ComponentID: req.ComponentID,
		MessageID:   messageID,
		ContentType: contentType,
		ContentHash: contentHash,
		Action:      req.Action,
		Properties:  parent.Properties.Merge(req.Properties),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (l *Ledger) Get(ctx context.Context, flowID string) (*Flow, error) {
	return l.repo.Get(ctx, flowID)
}

func (l *Ledger) Retrieve(ctx context.Context, flowID string, includeContent bool) (*FlowView, error) {
	flow, err := l.repo.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}

	detail, err := l.repo.GetDetail(ctx, flowID)
	if err != nil {
		return nil, err
	}

	view := &FlowView{Flow: *flow, Detail: detail}
	if includeContent {
		msg, err := l.messages.Get(ctx, flow.MessageID)
		if err != nil {
			return nil, err
		}
		view.Content = &msg.Content
	}
	return view, nil
}

// Content returns the message referenced by a flow.
func (l *Ledger) Content(ctx context.Context, flow *Flow) (*message.Message, error) {
	return l.messages.Get(ctx, flow.MessageID)
}

func (l *Ledger) UpdateAction(ctx context.Context, flowID string, action Action) error {
	return l.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		flow, err := l.repo.Get(ctx, flowID)
		if err != nil {
			return err
		}

		if !CanOverwrite(flow.Action, action) {
			return illegalTransition(flowID, flow.Action, action)
		}

		updated, err := l.repo.UpdateAction(ctx, flowID, flow.Action, action, l.now())
		if err != nil {
			return err
		}
		if !updated {
			return illegalTransition(flowID, flow.Action, action)
		}

		metrics.IncLedgerStep(string(action))
		return nil
	})
}

func illegalTransition(flowID string, from, to Action) error {
	return apperrors.ErrIllegalTransition.
		WithMessage(fmt.Sprintf("cannot move flow from %s to %s", from, to)).
		WithDetail("flow_id", flowID)
}

func (l *Ledger) AttachFilterResult(ctx context.Context, flowID, name, reason string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.ErrValidation.WithMessage("filter name is required")
	}
	return l.attach(ctx, &Detail{
		FlowID: flowID,
		Kind:   DetailFiltered,
		Name:   name,
		Reason: reason,
	})
}

func (l *Ledger) AttachError(ctx context.Context, flowID, description string) error {
	if strings.TrimSpace(description) == "" {
		description = "unspecified error"
	}
	return l.attach(ctx, &Detail{
		FlowID: flowID,
		Kind:   DetailError,
		Error:  description,
	})
}

func (l *Ledger) attach(ctx context.Context, detail *Detail) error {
	detail.CreatedAt = l.now()
	err := l.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := l.repo.Get(ctx, detail.FlowID); err != nil {
			return err
		}
		return l.repo.InsertDetail(ctx, detail)
	})
	if err != nil {
		return err
	}
	metrics.IncLedgerDetail(string(detail.Kind))
	return nil
}

// Lineage returns the chain from the group root down to flowID.
func (l *Ledger) Lineage(ctx context.Context, flowID string) ([]Flow, error) {
	var chain []Flow
	id := flowID
	for depth := 0; depth < maxLineageDepth; depth++ {
		flow, err := l.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *flow)
		if flow.ParentID == nil {
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return chain, nil
		}
		id = *flow.ParentID
	}
	return nil, apperrors.ErrInternal.
		WithMessage("lineage exceeds maximum depth").
		WithDetail("flow_id", flowID).
		AsFatal()
}

func (l *Ledger) Group(ctx context.Context, groupID string) ([]Flow, error) {
	flows, err := l.repo.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, apperrors.ErrFlowNotFound.WithDetail("group_id", groupID)
	}
	return flows, nil
}

func (l *Ledger) Children(ctx context.Context, flowID string) ([]Flow, error) {
	if _, err := l.repo.Get(ctx, flowID); err != nil {
		return nil, err
	}
	return l.repo.ListChildren(ctx, flowID)
}

func (l *Ledger) Errors(ctx context.Context, query ErrorQuery) ([]ErrorRecord, error) {
	if query.Limit == 0 || query.Limit > 1000 {
		query.Limit = 100
	}
	return l.repo.ListErrors(ctx, query)
}
