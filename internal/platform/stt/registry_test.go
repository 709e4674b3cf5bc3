package stt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register("loopback", func() (Provider, error) { return NewLoopbackProvider(), nil })
	r.Register("http", func() (Provider, error) {
		return NewHTTPProvider(HTTPConfig{Endpoint: "http://stt.invalid/v1/transcribe"})
	})
	return r
}

func TestRegistry_GetCachesInstance(t *testing.T) {
	r := newTestRegistry()

	p1, err := r.Get("loopback")
	require.NoError(t, err)
	p2, err := r.Get("loopback")
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	_, err = r.Get("azure")
	assert.Error(t, err)
	assert.Equal(t, []string{"http", "loopback"}, r.Names())
}

func TestSelector_Resolution(t *testing.T) {
	r := newTestRegistry()
	s := NewSelector(r, "loopback", map[string]string{"clinic-a": "http"})

	assert.Equal(t, "http", s.NameFor("clinic-a"))
	assert.Equal(t, "loopback", s.NameFor("clinic-b"))

	require.NoError(t, s.Override("clinic-a", "loopback"))
	assert.Equal(t, "loopback", s.NameFor("clinic-a"))

	assert.Error(t, s.Override("clinic-a", "unknown"))

	p, err := s.Resolve("clinic-b")
	require.NoError(t, err)
	assert.Equal(t, "loopback", p.Name())
}

func TestParseClinicProviders(t *testing.T) {
	m, err := ParseClinicProviders(" clinic-a=google, clinic-b = http ,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"clinic-a": "google", "clinic-b": "http"}, m)

	_, err = ParseClinicProviders("clinic-a")
	assert.Error(t, err)

	m, err = ParseClinicProviders("")
	require.NoError(t, err)
	assert.Empty(t, m)
}
