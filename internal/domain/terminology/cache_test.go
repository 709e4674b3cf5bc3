package terminology

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
)

// gatedSearcher holds each call until release is closed.
type gatedSearcher struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSearcher) SearchCodes(ctx context.Context, _ string, _ int) ([]ScoredCode, error) {
	s.calls.Add(1)
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return []ScoredCode{{Code: "R52", Score: 1}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type countingSearcher struct {
	calls atomic.Int32
	err   error
	hits  []ScoredCode
}

func (s *countingSearcher) SearchCodes(_ context.Context, _ string, _ int) ([]ScoredCode, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func TestCachedSearcher_LocalHit(t *testing.T) {
	backend := &countingSearcher{hits: []ScoredCode{{Code: "R51", Display: "Cefaléia", Score: 1}}}
	metrics := telemetry.NewMetrics()
	c := NewCachedSearcher(backend, CacheOptions{TTL: time.Minute, Size: 8}, metrics, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		hits, err := c.SearchCodes(ctx, "Cefaleia", 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hits) != 1 || hits[0].Code != "R51" {
			t.Fatalf("unexpected hits: %+v", hits)
		}
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("expected 1 backend call, got %d", got)
	}

	// Folded queries share one entry.
	if _, err := c.SearchCodes(ctx, "CEFALÉIA", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.calls.Load(); got != 1 {
		t.Errorf("expected folded query to hit cache, got %d backend calls", got)
	}
}

func TestCachedSearcher_ReturnsCopies(t *testing.T) {
	backend := &countingSearcher{hits: []ScoredCode{{Code: "R51", Score: 1}}}
	c := NewCachedSearcher(backend, CacheOptions{}, nil, zerolog.Nop())
	ctx := context.Background()

	first, _ := c.SearchCodes(ctx, "cefaleia", 3)
	first[0].Code = "changed"

	second, _ := c.SearchCodes(ctx, "cefaleia", 3)
	if second[0].Code != "R51" {
		t.Errorf("cached entry mutated through returned slice: %+v", second)
	}
}

func TestCachedSearcher_ErrorsNotCached(t *testing.T) {
	backend := &countingSearcher{err: errors.New("backend down")}
	c := NewCachedSearcher(backend, CacheOptions{}, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := c.SearchCodes(ctx, "febre", 3); err == nil {
		t.Fatal("expected error")
	}
	backend.err = nil
	backend.hits = []ScoredCode{{Code: "R50.9", Score: 1}}

	hits, err := c.SearchCodes(ctx, "febre", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("expected 1 hit after recovery, got %d", len(hits))
	}
}

func TestCachedSearcher_BreakerOpens(t *testing.T) {
	backend := &countingSearcher{err: errors.New("timeout")}
	c := NewCachedSearcher(backend, CacheOptions{}, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.SearchCodes(ctx, "febre", 3); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	_, err := c.SearchCodes(ctx, "febre", 3)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := backend.calls.Load(); got != 5 {
		t.Errorf("expected backend to be skipped while open, got %d calls", got)
	}
}

func TestCachedSearcher_CancellationDoesNotTripBreaker(t *testing.T) {
	backend := &countingSearcher{err: context.Canceled}
	c := NewCachedSearcher(backend, CacheOptions{}, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := c.SearchCodes(ctx, "cefaleia", 3); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected context.Canceled, got %v", i, err)
		}
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < 8; i++ {
		if _, err := c.SearchCodes(cancelled, "cefaleia", 3); !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled call %d: expected context.Canceled, got %v", i, err)
		}
	}
	if got := c.breaker.State(); got != gobreaker.StateClosed {
		t.Fatalf("expected closed breaker, got %s", got)
	}

	backend.err = nil
	backend.hits = []ScoredCode{{Code: "R51", Score: 1}}
	hits, err := c.SearchCodes(ctx, "cefaleia", 3)
	if err != nil {
		t.Fatalf("healthy caller failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Code != "R51" {
		t.Errorf("unexpected hits: %+v", hits)
	}
}

func TestCachedSearcher_WaiterSurvivesFirstCallerCancel(t *testing.T) {
	backend := &gatedSearcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCachedSearcher(backend, CacheOptions{Timeout: 5 * time.Second}, nil, zerolog.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.SearchCodes(firstCtx, "dor", 3)
		firstErr <- err
	}()
	<-backend.entered

	secondRes := make(chan []ScoredCode, 1)
	secondErr := make(chan error, 1)
	go func() {
		hits, err := c.SearchCodes(context.Background(), "dor", 3)
		secondRes <- hits
		secondErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: expected context.Canceled, got %v", err)
	}
	close(backend.release)

	select {
	case hits := <-secondRes:
		if err := <-secondErr; err != nil {
			t.Fatalf("second caller failed: %v", err)
		}
		if len(hits) != 1 || hits[0].Code != "R52" {
			t.Errorf("unexpected hits: %+v", hits)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
}
