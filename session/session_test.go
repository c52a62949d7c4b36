package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_ForwardOnly(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPreparing, StatusTransferring, true},
		{StatusPreparing, StatusRestoring, true},
		{StatusPreparing, StatusCompleted, true},
		{StatusTransferring, StatusRestoring, true},
		{StatusRestoring, StatusCompleted, true},
		{StatusTransferring, StatusPreparing, false},
		{StatusRestoring, StatusTransferring, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPreparing, false},
		{StatusFailed, StatusPreparing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusPreparing, StatusFailed, true},
		{StatusTransferring, StatusFailed, true},
		{StatusRestoring, StatusFailed, true},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestTransition_StampsCompletedAt(t *testing.T) {
	s := New("s1", DirectionPush)
	require.Nil(t, s.CompletedAt)

	require.NoError(t, s.Transition(StatusTransferring))
	assert.Nil(t, s.CompletedAt)

	require.NoError(t, s.Transition(StatusCompleted))
	assert.NotNil(t, s.CompletedAt)
}

func TestTransition_RejectsBackward(t *testing.T) {
	s := New("s1", DirectionPull)
	require.NoError(t, s.Transition(StatusRestoring))

	err := s.Transition(StatusTransferring)
	require.Error(t, err)
	assert.Equal(t, StatusRestoring, s.Status)
}

func TestFail_RecordsMessage(t *testing.T) {
	s := New("s1", DirectionPush)
	s.Fail(errors.New("pg_dump exploded"))

	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "pg_dump exploded", s.ErrorMessage)
	assert.NotNil(t, s.CompletedAt)
}

func TestFail_NoopOnTerminal(t *testing.T) {
	s := New("s1", DirectionPush)
	require.NoError(t, s.Transition(StatusCompleted))

	s.Fail(errors.New("late error"))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Empty(t, s.ErrorMessage)
}

func TestNew_GeneratesSessionID(t *testing.T) {
	s := New("", DirectionPull)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, StatusPreparing, s.Status)
	assert.Equal(t, PhaseBackup, s.Phase)
}

func TestMemoryStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := New("s1", DirectionPush)
	require.NoError(t, store.Create(ctx, s))

	// Duplicate create fails
	require.Error(t, store.Create(ctx, s))

	s.Progress = 25
	require.NoError(t, s.Transition(StatusTransferring))
	require.NoError(t, store.Update(ctx, s))

	loaded, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusTransferring, loaded.Status)
	assert.Equal(t, 25, loaded.Progress)

	// Mutating the loaded copy must not touch the stored record
	loaded.Progress = 99
	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 25, again.Progress)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := New("ghost", DirectionPush)
	err := NewMemoryStore().Update(context.Background(), s)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRoundTrip(t *testing.T) {
	s := New("s9", DirectionPull)
	s.Fail(errors.New("peer unreachable"))
	s.TransferredBytes = 4096
	s.TransferSpeed = 1024.5

	got := fromRecord(toRecord(s))
	assert.Equal(t, s.SessionID, got.SessionID)
	assert.Equal(t, s.Status, got.Status)
	assert.Equal(t, s.ErrorMessage, got.ErrorMessage)
	assert.Equal(t, s.TransferredBytes, got.TransferredBytes)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, s.CompletedAt.Unix(), got.CompletedAt.Unix())
}
