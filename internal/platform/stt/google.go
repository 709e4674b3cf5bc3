package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGoogleEndpoint = "https://speech.googleapis.com/v1/speech:recognize"

// GoogleConfig configures the Google Cloud Speech-to-Text REST backend.
type GoogleConfig struct {
	Endpoint        string
	APIKey          string
	Model           string
	SampleRateHertz int
	Timeout         time.Duration
	MaxConcurrent   int
}

// GoogleProvider calls speech:recognize once per chunk.
type GoogleProvider struct {
	cfg       GoogleConfig
	client    *http.Client
	semaphore chan struct{}
}

type googleRequest struct {
	Config googleRecognitionConfig `json:"config"`
	Audio  googleAudio             `json:"audio"`
}

type googleRecognitionConfig struct {
	Encoding                   string                `json:"encoding"`
	SampleRateHertz            int                   `json:"sampleRateHertz"`
	LanguageCode               string                `json:"languageCode"`
	Model                      string                `json:"model,omitempty"`
	EnableAutomaticPunctuation bool                  `json:"enableAutomaticPunctuation"`
	SpeechContexts             []googleSpeechContext `json:"speechContexts,omitempty"`
}

type googleSpeechContext struct {
	Phrases []string `json:"phrases"`
}

type googleAudio struct {
	Content string `json:"content"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
		ResultEndTime string `json:"resultEndTime"`
	} `json:"results"`
}

// NewGoogleProvider validates cfg and builds the provider.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google provider: API key cannot be empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultGoogleEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "latest_short"
	}
	if cfg.SampleRateHertz <= 0 {
		cfg.SampleRateHertz = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &GoogleProvider{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Transcribe implements Provider.
func (p *GoogleProvider) Transcribe(ctx context.Context, chunk []byte, sc SessionContext) (Result, error) {
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	payload := googleRequest{
		Config: googleRecognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            p.cfg.SampleRateHertz,
			LanguageCode:               sc.Language,
			Model:                      p.cfg.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: googleAudio{Content: base64.StdEncoding.EncodeToString(chunk)},
	}
	if len(sc.Phrases) > 0 {
		payload.Config.SpeechContexts = []googleSpeechContext{{Phrases: sc.Phrases}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, Rejected(p.Name(), err)
	}

	endpoint := p.cfg.Endpoint + "?key=" + url.QueryEscape(p.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, Rejected(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var parsed googleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, Rejected(p.Name(), fmt.Errorf("parse response: %w", err))
	}

	out := Result{IsFinal: true, Start: sc.Offset, End: sc.Offset}
	var texts []string
	var sum float64
	for _, r := range parsed.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		best := r.Alternatives[0]
		if t := strings.TrimSpace(best.Transcript); t != "" {
			texts = append(texts, t)
			sum += best.Confidence
		}
		if d, err := time.ParseDuration(r.ResultEndTime); err == nil && sc.Offset+d > out.End {
			out.End = sc.Offset + d
		}
	}
	if len(texts) > 0 {
		out.Text = strings.Join(texts, " ")
		out.Confidence = clampConfidence(sum / float64(len(texts)))
	}
	return out, nil
}

// Finalize implements Provider. Synchronous recognition keeps no state.
func (p *GoogleProvider) Finalize(_ context.Context, sc SessionContext) (Result, error) {
	return Result{IsFinal: true, Start: sc.Offset, End: sc.Offset}, nil
}
