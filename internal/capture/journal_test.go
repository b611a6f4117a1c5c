package capture

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platevision/monitor-cli/internal/model"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "capture.db")
	j, err := NewJournal(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() }) //nolint:errcheck
	require.NoError(t, j.Migrate(context.Background()))
	return j
}

func env(typ model.EventType, payload string) model.Envelope {
	return model.Envelope{Type: typ, Data: json.RawMessage(payload)}
}

func TestJournal_AppendAndReplay(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	sess, err := j.Begin(ctx, "wss://api.platevision.test/ws")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	require.NoError(t, sess.Append(ctx, env(model.EventDetectionAnalyzing, `{"id":1}`)))
	require.NoError(t, sess.Append(ctx, env(model.EventDetectionComplete, `{"id":1,"final_weight":80}`)))
	require.NoError(t, sess.Append(ctx, env(model.EventCameraStatus, `{"camera_id":2,"online":false}`)))
	require.NoError(t, sess.End(ctx))

	var frames []Frame
	err = j.Replay(ctx, sess.ID, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.EqualValues(t, 1, frames[0].Seq)
	assert.EqualValues(t, 3, frames[2].Seq)
	assert.Equal(t, model.EventDetectionAnalyzing, frames[0].Env.Type)
	assert.Equal(t, model.EventCameraStatus, frames[2].Env.Type)
	assert.JSONEq(t, `{"id":1,"final_weight":80}`, string(frames[1].Env.Data))
	assert.False(t, frames[0].CapturedAt.IsZero())
}

func TestJournal_SessionsListFrameCounts(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	first, err := j.Begin(ctx, "wss://one")
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, env(model.EventDetectionAnalyzing, `{"id":1}`)))
	require.NoError(t, first.Append(ctx, env(model.EventDetectionComplete, `{"id":1}`)))
	require.NoError(t, first.End(ctx))

	second, err := j.Begin(ctx, "wss://two")
	require.NoError(t, err)
	require.NoError(t, second.Append(ctx, env(model.EventCameraStatus, `{}`)))

	sessions, err := j.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byID := make(map[string]SessionInfo, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
	}

	one := byID[first.ID]
	assert.Equal(t, "wss://one", one.SourceURL)
	assert.Equal(t, 2, one.Frames)
	require.NotNil(t, one.EndedAt)

	two := byID[second.ID]
	assert.Equal(t, 1, two.Frames)
	assert.Nil(t, two.EndedAt)
}

func TestJournal_LatestSession(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	_, err := j.LatestSessionID(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sessions")

	_, err = j.Begin(ctx, "wss://older")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	newer, err := j.Begin(ctx, "wss://newer")
	require.NoError(t, err)

	id, err := j.LatestSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, id)
}

func TestJournal_ReplayUnknownSession(t *testing.T) {
	j := newTestJournal(t)

	err := j.Replay(context.Background(), "no-such-session", func(Frame) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestJournal_ReplayStopsOnCallbackError(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	sess, err := j.Begin(ctx, "wss://x")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.Append(ctx, env(model.EventDetectionAnalyzing, `{"id":1}`)))
	}

	stop := eris.New("stop here")
	var n int
	err = j.Replay(ctx, sess.ID, func(Frame) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}

func TestJournal_MigrateIdempotent(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Migrate(context.Background()))
}
