package send

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAndNextFIFO(t *testing.T) {
	q := NewQueue(2)
	id1, err := q.Enqueue(nil, 0, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(nil, 0, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	first := q.Next()
	require.NotNil(t, first)
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, first, q.Current())

	// a second Next() call while one is in flight returns nil.
	assert.Nil(t, q.Next())
}

func TestEnqueueFailsAtCapacity(t *testing.T) {
	q := NewQueue(1)
	_, err := q.Enqueue(nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(nil, 0, nil)
	assert.ErrorIs(t, err, ErrFull)
}

func TestCompleteInvokesCallbackAndClearsCurrent(t *testing.T) {
	q := NewQueue(1)
	var gotID uint16
	var gotOK bool
	var gotErr error
	id, _ := q.Enqueue(nil, 0, func(id uint16, ok bool, err error) {
		gotID, gotOK, gotErr = id, ok, err
	})
	q.Next()
	q.Complete(true, nil)

	assert.Equal(t, id, gotID)
	assert.True(t, gotOK)
	assert.NoError(t, gotErr)
	assert.Nil(t, q.Current())
}

func TestAbortQueuedEntry(t *testing.T) {
	q := NewQueue(2)
	var aborted bool
	id, _ := q.Enqueue(nil, 0, func(id uint16, ok bool, err error) { aborted = !ok })
	_, _ = q.Enqueue(nil, 0, nil)

	require.NoError(t, q.Abort(id, errors.New("cancelled")))
	assert.True(t, aborted)
	assert.Equal(t, 1, q.Len())
}

func TestAbortInFlightEntry(t *testing.T) {
	q := NewQueue(1)
	var aborted bool
	id, _ := q.Enqueue(nil, 0, func(id uint16, ok bool, err error) { aborted = !ok })
	q.Next()

	require.NoError(t, q.Abort(id, errors.New("cancelled")))
	assert.True(t, aborted)
	assert.Nil(t, q.Current())
}

func TestAbortUnknownIDFails(t *testing.T) {
	q := NewQueue(1)
	err := q.Abort(999, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIDsSkipZeroAndWrap(t *testing.T) {
	q := NewQueue(0)
	q.nextID = 0xffff
	id1, _ := q.Enqueue(nil, 0, nil)
	id2, _ := q.Enqueue(nil, 0, nil)
	assert.Equal(t, uint16(0xffff), id1)
	assert.Equal(t, uint16(1), id2)
}
