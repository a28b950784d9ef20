package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStateQuestionFlow(t *testing.T) {
	s := NewState("s1", "P-100", "fever 3 days", nil, t0)
	require.NoError(t, s.AssignCaseID("AB12CD34", t0))

	slot, err := s.Offer("Any cough?", t0)
	require.NoError(t, err)
	assert.Equal(t, Slot{Index: 0, Question: "Any cough?"}, slot)

	_, err = s.Offer("Second?", t0)
	assert.ErrorIs(t, err, ErrOutstanding)

	require.NoError(t, s.Answer(slot, "no", t0))
	assert.Nil(t, s.Outstanding)

	next, err := s.Offer("Any rash?", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Index)

	got, ok := s.Answers.Get("Any cough?")
	require.True(t, ok)
	assert.Equal(t, "no", got)
}

func TestStateRejectsStaleSlot(t *testing.T) {
	s := NewState("s1", "", "cough", nil, t0)
	first, _ := s.Offer("q1", t0)
	require.NoError(t, s.Answer(first, "a1", t0))
	_, _ = s.Offer("q2", t0)

	err := s.Answer(first, "late", t0)
	assert.ErrorIs(t, err, ErrSlotMismatch)
	got, _ := s.Answers.Get("q1")
	assert.Equal(t, "a1", got)
	assert.Equal(t, 1, s.Answers.Len())
}

func TestStateCaseIDAssignedOnce(t *testing.T) {
	s := NewState("s1", "", "cough", nil, t0)
	require.NoError(t, s.AssignCaseID("A", t0))
	err := s.AssignCaseID("B", t0)
	assert.True(t, errors.Is(err, ErrCaseIDAssigned))
	assert.Equal(t, "A", s.CaseID)
}

func TestStateFrozenRejectsMutation(t *testing.T) {
	s := NewState("s1", "", "cough", nil, t0)
	slot, _ := s.Offer("q1", t0)
	s.Freeze(t0)

	assert.ErrorIs(t, s.Answer(slot, "a", t0), ErrFrozen)
	_, err := s.Offer("q2", t0)
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, 0, s.Answers.Len())
}

func TestStateVitalsSnapshotIsCopied(t *testing.T) {
	v := &model.Vitals{SpO2: model.Float(95)}
	s := NewState("s1", "", "cough", v, t0)
	*v.SpO2 = 70
	assert.Equal(t, 95.0, *s.Vitals.SpO2)
}

func TestInMemoryStoreIsolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	s := NewState("s1", "", "cough", nil, t0)
	_, _ = s.Offer("q1", t0)
	require.NoError(t, store.Save(ctx, s))

	s.Questions[0] = "mutated"

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "q1", got.Questions[0])

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
