package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionContext() SessionContext {
	return SessionContext{
		SessionID: uuid.New(),
		Language:  "pt-BR",
		Model:     "medical_dictation",
		Sequence:  1,
		Offset:    2 * time.Second,
		Phrases:   []string{"queixa principal"},
	}
}

func TestHTTPProvider_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "pt-BR", r.FormValue("language"))
		assert.Equal(t, "queixa principal", r.FormValue("prompt"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		audio, _ := io.ReadAll(f)
		assert.Equal(t, []byte("pcm"), audio)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments":[
			{"start":0,"end":1.5,"text":"exame físico:","confidence":0.9},
			{"start":1.5,"end":3,"text":"sem alterações","confidence":0.7}]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	res, err := p.Transcribe(context.Background(), []byte("pcm"), testSessionContext())
	require.NoError(t, err)
	assert.Equal(t, "exame físico: sem alterações", res.Text)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	assert.True(t, res.IsFinal)
	assert.Equal(t, 2*time.Second, res.Start)
	assert.Equal(t, 5*time.Second, res.End)
}

func TestHTTPProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p, err := NewHTTPProvider(HTTPConfig{Endpoint: srv.URL})
			require.NoError(t, err)

			_, err = p.Transcribe(context.Background(), []byte("pcm"), testSessionContext())
			require.Error(t, err)
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, !tc.retryable, errors.Is(err, ErrProviderRejected))
		})
	}
}

func TestHTTPProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{Endpoint: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = p.Transcribe(context.Background(), []byte("pcm"), testSessionContext())
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHTTPProvider_DefaultsAndFinalize(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{})
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":" conduta: repouso ","is_final":false}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	res, err := p.Transcribe(context.Background(), []byte("pcm"), testSessionContext())
	require.NoError(t, err)
	assert.Equal(t, "conduta: repouso", res.Text)
	assert.False(t, res.IsFinal)
	assert.Equal(t, DefaultConfidence, res.Confidence)

	fin, err := p.Finalize(context.Background(), testSessionContext())
	require.NoError(t, err)
	assert.True(t, fin.Empty())
}
