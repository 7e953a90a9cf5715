package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/ledger"
	"meridian/internal/logger"
	"meridian/internal/message"
	"meridian/internal/testkit"
	apperrors "meridian/pkg/errors"
)

type fixture struct {
	ledger   *ledger.Ledger
	repo     *testkit.LedgerRepository
	messages *testkit.MessageStore
	uow      *testkit.UnitOfWork
}

func newFixture() *fixture {
	uow := testkit.NewUnitOfWork()
	repo := testkit.NewLedgerRepository(uow)
	messages := testkit.NewMessageStore(uow)
	return &fixture{
		ledger:   ledger.New(repo, messages, uow, logger.NopLogger()),
		repo:     repo,
		messages: messages,
		uow:      uow,
	}
}

func strPtr(s string) *string { return &s }

func (f *fixture) root(t *testing.T, content string) *ledger.Flow {
	t.Helper()
	flow, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c1",
		Content:     strPtr(content),
		ContentType: message.ContentTypeTXT,
		Action:      ledger.ActionIngested,
		Properties:  ledger.Properties{{Key: "source", Value: "inbox"}},
	})
	require.NoError(t, err)
	return flow
}

func TestRecordRootStep(t *testing.T) {
	f := newFixture()

	flow := f.root(t, "ABC")

	assert.Nil(t, flow.ParentID)
	assert.NotEmpty(t, flow.GroupID)
	assert.Equal(t, ledger.ActionIngested, flow.Action)

	view, err := f.ledger.Retrieve(context.Background(), flow.ID, true)
	require.NoError(t, err)
	require.NotNil(t, view.Content)
	assert.Equal(t, "ABC", *view.Content)
	assert.Nil(t, view.Detail)
}

func TestRootStepRequiresContent(t *testing.T) {
	f := newFixture()

	_, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c1",
		ContentType: message.ContentTypeTXT,
		Action:      ledger.ActionIngested,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c1",
		Content:     strPtr("x"),
		Action:      ledger.ActionIngested,
	})
	assert.True(t, apperrors.IsValidation(err))
}

func TestChildInheritsGroupAndProperties(t *testing.T) {
	f := newFixture()
	root := f.root(t, "ABC")

	child, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c1",
		ParentID:    root.ID,
		Action:      ledger.ActionAccepted,
		Properties:  ledger.Properties{{Key: "stage", Value: "accepted"}, {Key: "source", Value: "override"}},
	})
	require.NoError(t, err)

	require.NotNil(t, child.ParentID)
	assert.Equal(t, root.ID, *child.ParentID)
	assert.Equal(t, root.GroupID, child.GroupID)
	assert.Subset(t, child.Properties, root.Properties)

	source, ok := child.Properties.Get("source")
	assert.True(t, ok)
	assert.Equal(t, "override", source)
}

func TestChildReusesUnchangedContent(t *testing.T) {
	f := newFixture()
	root := f.root(t, "ABC")

	same, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c2",
		ParentID:    root.ID,
		Content:     strPtr("ABC"),
		Action:      ledger.ActionTransformed,
	})
	require.NoError(t, err)
	assert.Equal(t, root.MessageID, same.MessageID)
	assert.Equal(t, 1, f.messages.Count())

	changed, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c2",
		ParentID:    root.ID,
		Content:     strPtr("XYZ"),
		Action:      ledger.ActionTransformed,
	})
	require.NoError(t, err)
	assert.NotEqual(t, root.MessageID, changed.MessageID)
	assert.Equal(t, 2, f.messages.Count())
}

func TestChildWithNewContentTypeGetsOwnMessage(t *testing.T) {
	f := newFixture()
	root := f.root(t, "ABC")

	child, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c2",
		ParentID:    root.ID,
		ContentType: message.ContentTypeGeneric,
		Action:      ledger.ActionTransformed,
	})
	require.NoError(t, err)
	assert.NotEqual(t, root.MessageID, child.MessageID)
	assert.Equal(t, root.ContentHash, child.ContentHash)
	assert.Equal(t, message.ContentTypeGeneric, child.ContentType)
}

func TestChildOfMissingParent(t *testing.T) {
	f := newFixture()

	_, err := f.ledger.RecordStep(context.Background(), ledger.StepRequest{
		ComponentID: "c1",
		ParentID:    "missing",
		Action:      ledger.ActionAccepted,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFlowNotFound))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestRetrieveMissingFlow(t *testing.T) {
	f := newFixture()

	_, err := f.ledger.Retrieve(context.Background(), "nope", false)
	assert.True(t, errors.Is(err, apperrors.ErrFlowNotFound))
}

func TestUpdateActionOnlyFromPendingForwarding(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := f.root(t, "ABC")

	err := f.ledger.UpdateAction(ctx, root.ID, ledger.ActionForwarded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrIllegalTransition))

	pending, err := f.ledger.RecordStep(ctx, ledger.StepRequest{
		ComponentID: "c1",
		ParentID:    root.ID,
		Action:      ledger.ActionPendingForwarding,
	})
	require.NoError(t, err)

	require.NoError(t, f.ledger.UpdateAction(ctx, pending.ID, ledger.ActionForwarded))

	got, err := f.ledger.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionForwarded, got.Action)

	// FORWARDED is terminal; a second overwrite is rejected.
	err = f.ledger.UpdateAction(ctx, pending.ID, ledger.ActionForwarded)
	assert.True(t, errors.Is(err, apperrors.ErrIllegalTransition))

	err = f.ledger.UpdateAction(ctx, "missing", ledger.ActionForwarded)
	assert.True(t, errors.Is(err, apperrors.ErrFlowNotFound))
}

func TestAtMostOneSideRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := f.root(t, "ABC")

	require.NoError(t, f.ledger.AttachFilterResult(ctx, root.ID, "TypeFilter", "wrong type"))

	err := f.ledger.AttachError(ctx, root.ID, "boom")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	err = f.ledger.AttachFilterResult(ctx, root.ID, "Other", "again")
	assert.True(t, apperrors.IsConflict(err))

	view, err := f.ledger.Retrieve(ctx, root.ID, false)
	require.NoError(t, err)
	require.NotNil(t, view.Detail)
	assert.Equal(t, ledger.DetailFiltered, view.Detail.Kind)
	assert.Equal(t, "TypeFilter", view.Detail.Name)
	assert.Equal(t, "wrong type", view.Detail.Reason)
	assert.Nil(t, view.Content)
}

func TestAttachToMissingFlow(t *testing.T) {
	f := newFixture()

	err := f.ledger.AttachError(context.Background(), "missing", "boom")
	assert.True(t, errors.Is(err, apperrors.ErrFlowNotFound))
}

func TestFailedUnitOfWorkLeavesNoNode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := f.root(t, "ABC")

	boom := errors.New("boom")
	err := f.uow.WithinTransaction(ctx, func(ctx context.Context) error {
		child, err := f.ledger.RecordStep(ctx, ledger.StepRequest{
			ComponentID: "c1",
			ParentID:    root.ID,
			Content:     strPtr("changed"),
			Action:      ledger.ActionTransformed,
		})
		require.NoError(t, err)
		require.NoError(t, f.ledger.AttachError(ctx, child.ID, "x"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Len(t, f.repo.All(), 1)
	assert.Empty(t, f.repo.Details())
	assert.Equal(t, 1, f.messages.Count())
}

func TestLineageAndGroup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	root := f.root(t, "ABC")

	accepted, err := f.ledger.RecordStep(ctx, ledger.StepRequest{ComponentID: "c1", ParentID: root.ID, Action: ledger.ActionAccepted})
	require.NoError(t, err)

	var splits []*ledger.Flow
	for _, part := range []string{"A", "B", "C"} {
		s, err := f.ledger.RecordStep(ctx, ledger.StepRequest{
			ComponentID: "c2",
			ParentID:    accepted.ID,
			Content:     strPtr(part),
			Action:      ledger.ActionCreatedFromSplit,
		})
		require.NoError(t, err)
		splits = append(splits, s)
	}

	chain, err := f.ledger.Lineage(ctx, splits[2].ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root.ID, chain[0].ID)
	assert.Equal(t, accepted.ID, chain[1].ID)
	assert.Equal(t, splits[2].ID, chain[2].ID)

	children, err := f.ledger.Children(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
	for _, c := range children {
		assert.Equal(t, root.GroupID, c.GroupID)
		assert.Equal(t, ledger.ActionCreatedFromSplit, c.Action)
	}

	group, err := f.ledger.Group(ctx, root.GroupID)
	require.NoError(t, err)
	assert.Len(t, group, 5)

	_, err = f.ledger.Group(ctx, "unknown")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestErrorsView(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	uow := testkit.NewUnitOfWork()
	repo := testkit.NewLedgerRepository(uow)
	l := ledger.New(repo, testkit.NewMessageStore(uow), uow, logger.NopLogger(),
		ledger.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	root, err := l.RecordStep(ctx, ledger.StepRequest{
		ComponentID: "c1", Content: strPtr("x"), ContentType: message.ContentTypeJSON, Action: ledger.ActionIngested,
	})
	require.NoError(t, err)
	failed, err := l.RecordStep(ctx, ledger.StepRequest{ComponentID: "c9", ParentID: root.ID, Action: ledger.ActionTransformationError})
	require.NoError(t, err)
	require.NoError(t, l.AttachError(ctx, failed.ID, "bad mapping"))

	records, err := l.Errors(ctx, ledger.ErrorQuery{ComponentID: "c9"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bad mapping", records[0].Error)
	assert.Equal(t, failed.ID, records[0].Flow.ID)
	assert.Equal(t, now, records[0].CreatedAt)

	records, err = l.Errors(ctx, ledger.ErrorQuery{ComponentID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, records)
}
