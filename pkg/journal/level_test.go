package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLevelJournal(t *testing.T, path string) *LevelJournal {
	t.Helper()
	j, err := OpenLevelJournal(path)
	require.NoError(t, err)
	return j
}

func TestLevelJournalRoundTrip(t *testing.T) {
	j := openTestLevelJournal(t, t.TempDir())
	defer j.Close()

	ev, err := j.Emit(context.Background(), "s1", TypeSessionCreated, map[string]any{"task_text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	evs, total, err := j.ReadSession(context.Background(), "s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeSessionCreated, evs[0].Type)

	var decoded map[string]any
	require.NoError(t, evs[0].DecodePayload(&decoded))
	assert.Equal(t, "hi", decoded["task_text"])
}

func TestLevelJournalSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j := openTestLevelJournal(t, dir)
	for i := 0; i < 3; i++ {
		_, err := j.Emit(context.Background(), "s1", TypeSessionCheckpoint, nil)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j2 := openTestLevelJournal(t, dir)
	defer j2.Close()

	ev, err := j2.Emit(context.Background(), "s1", TypeSessionCheckpoint, nil)
	require.NoError(t, err)
	// Sequence numbers never restart after a reopen.
	assert.Equal(t, int64(4), ev.Seq)
}

func TestLevelJournalReadSessionPaging(t *testing.T) {
	j := openTestLevelJournal(t, t.TempDir())
	defer j.Close()

	for i := 0; i < 7; i++ {
		_, err := j.Emit(context.Background(), "s1", TypeSessionCheckpoint, nil)
		require.NoError(t, err)
	}

	evs, total, err := j.ReadSession(context.Background(), "s1", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, int64(4), evs[1].Seq)
}

func TestLevelJournalCompact(t *testing.T) {
	j := openTestLevelJournal(t, t.TempDir())
	defer j.Close()

	emit := func(sid, typ string) {
		_, err := j.Emit(context.Background(), sid, typ, nil)
		require.NoError(t, err)
	}
	emit("done", TypeSessionCreated)
	emit("done", TypeSessionAborted)
	emit("live", TypeSessionStarted)
	emit("kept", TypeSessionCompleted)
	emit(SystemSession, TypeAuthKeyRotated)

	removed, err := j.Compact(context.Background(), []string{"kept"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, total, err := j.ReadSession(context.Background(), "done", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)

	for _, sid := range []string{"live", "kept", SystemSession} {
		_, total, err := j.ReadSession(context.Background(), sid, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total, sid)
	}
}

func TestLevelJournalSubscribe(t *testing.T) {
	j := openTestLevelJournal(t, t.TempDir())
	defer j.Close()

	ch, cancel := j.Subscribe(4)
	defer cancel()

	_, err := j.Emit(context.Background(), "s1", TypeStepStarted, nil)
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, TypeStepStarted, ev.Type)
}
