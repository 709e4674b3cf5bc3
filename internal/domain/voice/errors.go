package voice

import (
	"errors"
	"net/http"

	"github.com/clinicdoc/voicedoc/internal/platform/stt"
)

var (
	// ErrProviderUnavailable is returned when the speech backend stays
	// unreachable after retries. The session continues, flagged degraded.
	ErrProviderUnavailable = stt.ErrProviderUnavailable

	ErrSessionConflict     = errors.New("encounter already has an open voice session")
	ErrSessionExpired      = errors.New("voice session is past its retention window")
	ErrSessionNotClosed    = errors.New("voice session is still open")
	ErrPersistenceFailure  = errors.New("voice session could not be persisted")
	ErrSessionNotFound     = errors.New("voice session not found")
	ErrSessionNotAccepting = errors.New("voice session no longer accepts audio")
	ErrForbidden           = errors.New("voice session belongs to another user")
	ErrInvalidTransition   = errors.New("invalid session state transition")
	ErrChunkTooLarge       = errors.New("audio chunk exceeds the size limit")
	ErrAudioLimit          = errors.New("session audio limit reached")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNoAudio             = errors.New("voice session has no stored audio")
)

// HTTPStatus maps a voice error to its response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNoAudio):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionConflict), errors.Is(err, ErrSessionNotClosed),
		errors.Is(err, ErrSessionNotAccepting), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, ErrChunkTooLarge), errors.Is(err, ErrAudioLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, stt.ErrProviderRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
