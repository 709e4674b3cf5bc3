package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleProvider_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		var req googleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pt-BR", req.Config.LanguageCode)
		assert.Equal(t, []string{"queixa principal"}, req.Config.SpeechContexts[0].Phrases)
		assert.NotEmpty(t, req.Audio.Content)

		_, _ = w.Write([]byte(`{"results":[
			{"alternatives":[{"transcript":"queixa principal: febre","confidence":0.94}],"resultEndTime":"1.2s"},
			{"alternatives":[{"transcript":"há dois dias","confidence":0.9}],"resultEndTime":"2.5s"}]}`))
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(GoogleConfig{Endpoint: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	sc := testSessionContext()
	res, err := p.Transcribe(context.Background(), []byte("pcm"), sc)
	require.NoError(t, err)
	assert.Equal(t, "queixa principal: febre há dois dias", res.Text)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, sc.Offset+2500*time.Millisecond, res.End)
}

func TestGoogleProvider_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(GoogleConfig{Endpoint: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	_, err = p.Transcribe(context.Background(), []byte("pcm"), testSessionContext())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestNewGoogleProvider_RequiresKey(t *testing.T) {
	_, err := NewGoogleProvider(GoogleConfig{})
	assert.Error(t, err)
}
