package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/interviewd/internal/delivery"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := chi.NewRouter()
	NewHandler(st, domain.NewQuestionSet([]string{"Q1", "Q2"}), nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func TestDeliveryClientRoundTrip(t *testing.T) {
	srv, st := newTestCollector(t)
	client := delivery.NewClient(srv.URL, 5*time.Second, nil)
	ctx := context.Background()
	id := delivery.Identity{SessionID: "ada-1", Name: "Ada", Email: "ada@example.com"}

	require.NoError(t, client.StartSession(ctx, id))

	qs, err := client.FetchQuestions(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionSet{"Q1", "Q2"}, qs)

	for i, p := range []string{"aa", "bbb"} {
		res := client.SendChunk(ctx, id, domain.MediaChunk{SessionID: id.SessionID, SequenceIndex: i, Payload: []byte(p)})
		require.True(t, res.OK(), res.String())
	}
	// A re-send of the same index replaces, it does not duplicate.
	res := client.SendChunk(ctx, id, domain.MediaChunk{SessionID: id.SessionID, SequenceIndex: 0, Payload: []byte("aa")})
	require.True(t, res.OK(), res.String())

	res = client.SendFinal(ctx, delivery.Bundle{Identity: id, Transcript: "AI: Q1\n\n", Partial: true, Media: []byte("aabbb")})
	require.True(t, res.OK(), res.String())
	require.NoError(t, client.NotifyComplete(ctx, id.SessionID))

	sum, err := st.Summary(ctx, id.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", sum.Name)
	assert.Equal(t, 2, sum.Chunks)
	assert.EqualValues(t, 5, sum.ChunkBytes)
	assert.True(t, sum.HasFinal)
	assert.True(t, sum.Partial)
	assert.EqualValues(t, 5, sum.VideoBytes)
	assert.True(t, sum.Completed)

	chunks, err := st.Chunks(ctx, id.SessionID)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("aa"), []byte("bbb")}, chunks)

	final, err := st.GetFinal(ctx, id.SessionID)
	require.NoError(t, err)
	assert.Equal(t, delivery.IdempotencyKey(id.SessionID), final.IdempotencyKey)
	assert.Equal(t, "AI: Q1\n\n", final.Transcript)
}

func TestTranscriptOnlyFinalKeepsStoredVideo(t *testing.T) {
	srv, st := newTestCollector(t)
	client := delivery.NewClient(srv.URL, 5*time.Second, nil)
	ctx := context.Background()
	id := delivery.Identity{SessionID: "s1", Name: "Ada"}

	require.True(t, client.SendFinal(ctx, delivery.Bundle{Identity: id, Transcript: "v1", Media: []byte("video")}).OK())
	require.True(t, client.SendFinal(ctx, delivery.Bundle{Identity: id, Transcript: "v2"}).OK())

	final, err := st.GetFinal(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", final.Transcript)
	assert.Equal(t, []byte("video"), final.Video)
	assert.False(t, final.Partial)
}

func TestRejectsIncompleteRequests(t *testing.T) {
	srv, _ := newTestCollector(t)

	resp, err := http.Post(srv.URL+delivery.PathStartSession, "application/x-www-form-urlencoded", strings.NewReader("name=Ada"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+delivery.PathFinalize, "application/json", strings.NewReader(`{"transcript":"x"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+delivery.PathUploadChunk, "text/plain", strings.NewReader("nope"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/unknown")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
