package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	var last int64
	for i := 0; i < 5; i++ {
		ev, err := j.Emit(context.Background(), "s1", TypeSessionCheckpoint, nil)
		require.NoError(t, err)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	ev, err := j.Emit(context.Background(), "s1", TypeSessionCreated, map[string]any{"task_text": "hello"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, ev.DecodePayload(&decoded))
	assert.Equal(t, "hello", decoded["task_text"])
}

func TestReadSessionOffsetIsSeqFloor(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	// Interleave two sessions so seq and per-session position diverge.
	for i := 0; i < 6; i++ {
		sid := "a"
		if i%2 == 1 {
			sid = "b"
		}
		_, err := j.Emit(context.Background(), sid, TypeSessionCheckpoint, nil)
		require.NoError(t, err)
	}

	evs, total, err := j.ReadSession(context.Background(), "a", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, int64(5), evs[1].Seq)
}

func TestReadSessionLimitWithFullTotal(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	for i := 0; i < 10; i++ {
		_, err := j.Emit(context.Background(), "s1", TypeSessionCheckpoint, nil)
		require.NoError(t, err)
	}

	evs, total, err := j.ReadSession(context.Background(), "s1", 0, 4)
	require.NoError(t, err)
	assert.Len(t, evs, 4)
	// Total counts every session event regardless of paging.
	assert.Equal(t, 10, total)
}

func TestReadSessionUnknownSessionEmpty(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	evs, total, err := j.ReadSession(context.Background(), "nope", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Zero(t, total)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	ch, cancel := j.Subscribe(16)
	defer cancel()

	_, err := j.Emit(context.Background(), "s1", TypeSessionStarted, nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, TypeSessionStarted, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	ch, cancel := j.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
}

func TestCompactRemovesTerminalSessions(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	emit := func(sid, typ string) {
		_, err := j.Emit(context.Background(), sid, typ, nil)
		require.NoError(t, err)
	}
	emit("done", TypeSessionCreated)
	emit("done", TypeSessionCompleted)
	emit("live", TypeSessionCreated)
	emit("live", TypeSessionStarted)
	emit("kept", TypeSessionCreated)
	emit("kept", TypeSessionFailed)
	emit(SystemSession, TypeAuthFailed)

	removed, err := j.Compact(context.Background(), []string{"kept"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, total, err := j.ReadSession(context.Background(), "done", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Non-terminal, retained and _system sessions survive.
	for _, sid := range []string{"live", "kept", SystemSession} {
		_, total, err := j.ReadSession(context.Background(), sid, 0, 0)
		require.NoError(t, err)
		assert.NotZero(t, total, sid)
	}
}

func TestReadAllStreamOrdered(t *testing.T) {
	j := NewMemoryJournal()
	defer j.Close()

	for i := 0; i < 20; i++ {
		_, err := j.Emit(context.Background(), fmt.Sprintf("s%d", i%3), TypeSessionCheckpoint, nil)
		require.NoError(t, err)
	}

	ch, err := j.ReadAllStream(context.Background())
	require.NoError(t, err)

	var last int64
	count := 0
	for ev := range ch {
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		count++
	}
	assert.Equal(t, 20, count)
}

func TestEmitAfterCloseFails(t *testing.T) {
	j := NewMemoryJournal()
	require.NoError(t, j.Close())

	_, err := j.Emit(context.Background(), "s1", TypeSessionCreated, nil)
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(TypeSessionCompleted))
	assert.True(t, IsTerminal(TypeSessionFailed))
	assert.True(t, IsTerminal(TypeSessionAborted))
	assert.False(t, IsTerminal(TypeSessionStarted))
	assert.False(t, IsTerminal(TypeStepSucceeded))
}
