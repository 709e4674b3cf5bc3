package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultConfidence is used when a backend reports no confidence at all.
const DefaultConfidence = 0.85

// HTTPConfig configures the Whisper-compatible HTTP backend.
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// HTTPProvider posts each chunk as multipart/form-data to a transcription
// endpoint. The endpoint is stateless per chunk so Finalize has nothing to
// flush.
type HTTPProvider struct {
	cfg       HTTPConfig
	client    *http.Client
	semaphore chan struct{}
}

type httpSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

type httpResponse struct {
	Text       string        `json:"text"`
	Confidence *float64      `json:"confidence"`
	IsFinal    *bool         `json:"is_final"`
	Segments   []httpSegment `json:"segments"`
}

// NewHTTPProvider validates cfg and builds the provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("http provider: endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &HTTPProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return "http" }

// Transcribe implements Provider.
func (p *HTTPProvider) Transcribe(ctx context.Context, chunk []byte, sc SessionContext) (Result, error) {
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	body, contentType, err := p.multipartBody(chunk, sc)
	if err != nil {
		return Result{}, Rejected(p.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, body)
	if err != nil {
		return Result{}, Rejected(p.Name(), err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, Unavailable(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, Unavailable(p.Name(), fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return Result{}, wrapStatus(p.Name(), err)
	}

	var parsed httpResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, Rejected(p.Name(), fmt.Errorf("parse response: %w", err))
	}
	return parsed.result(sc.Offset), nil
}

// Finalize implements Provider.
func (p *HTTPProvider) Finalize(_ context.Context, sc SessionContext) (Result, error) {
	return Result{IsFinal: true, Start: sc.Offset, End: sc.Offset}, nil
}

func (p *HTTPProvider) multipartBody(chunk []byte, sc SessionContext) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("file", fmt.Sprintf("%s-%d.wav", sc.SessionID, sc.Sequence))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(chunk); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}

	fields := map[string]string{
		"session_id":      sc.SessionID.String(),
		"sequence":        strconv.FormatInt(sc.Sequence, 10),
		"offset":          fmt.Sprintf("%.3f", sc.Offset.Seconds()),
		"response_format": "json",
	}
	if sc.Language != "" {
		fields["language"] = sc.Language
	}
	if sc.Model != "" {
		fields["model"] = sc.Model
	}
	if len(sc.Phrases) > 0 {
		fields["prompt"] = strings.Join(sc.Phrases, ", ")
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func (r httpResponse) result(offset time.Duration) Result {
	out := Result{
		Text:    strings.TrimSpace(r.Text),
		IsFinal: r.IsFinal == nil || *r.IsFinal,
		Start:   offset,
		End:     offset,
	}

	var sum float64
	var n int
	var parts []string
	for _, s := range r.Segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
		if s.Confidence != nil {
			sum += *s.Confidence
			n++
		}
		if end := offset + time.Duration(s.End*float64(time.Second)); end > out.End {
			out.End = end
		}
	}
	if out.Text == "" {
		out.Text = strings.Join(parts, " ")
	}
	if len(r.Segments) > 0 {
		out.Start = offset + time.Duration(r.Segments[0].Start*float64(time.Second))
	}

	switch {
	case r.Confidence != nil:
		out.Confidence = *r.Confidence
	case n > 0:
		out.Confidence = sum / float64(n)
	default:
		out.Confidence = DefaultConfidence
	}
	out.Confidence = clampConfidence(out.Confidence)
	return out
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP error %d: %s", e.code, body)
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &statusError{code: code, body: string(body)}
}

func wrapStatus(provider string, err error) error {
	var se *statusError
	if errors.As(err, &se) && (se.code >= 500 || se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout) {
		return Unavailable(provider, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Unavailable(provider, err)
	}
	return Rejected(provider, err)
}
