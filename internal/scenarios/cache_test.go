package scenarios

import (
	"context"
	"errors"
	"io"
	"testing"

	"call-relay/internal/provider"
)

type stubProvider struct {
	catalog []provider.Scenario
	err     error
	calls   int
}

func (s *stubProvider) Scenarios(ctx context.Context) ([]provider.Scenario, error) {
	s.calls++
	return s.catalog, s.err
}

func (s *stubProvider) Recording(ctx context.Context, callID int64) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func TestCache_RefreshReplacesWholesale(t *testing.T) {
	src := &stubProvider{catalog: []provider.Scenario{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}}}
	c := NewCache(src)

	if !c.Empty() {
		t.Fatalf("expected cold cache to be empty")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s, ok := c.ByID(2); !ok || s.Name != "B" {
		t.Fatalf("expected entry 2, got %+v ok=%v", s, ok)
	}

	src.catalog = []provider.Scenario{{ID: 3, Name: "C"}}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := c.ByID(2); ok {
		t.Fatalf("expected stale entry to be gone after refresh")
	}
	if len(c.All()) != 1 {
		t.Fatalf("expected single entry")
	}
}

func TestCache_FailedRefreshKeepsPrevious(t *testing.T) {
	src := &stubProvider{catalog: []provider.Scenario{{ID: 1, Name: "A"}}}
	c := NewCache(src)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src.err = errors.New("crm down")
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if _, ok := c.ByID(1); !ok {
		t.Fatalf("expected previous catalog to survive a failed refresh")
	}
}

func TestCache_AllReturnsCopy(t *testing.T) {
	src := &stubProvider{catalog: []provider.Scenario{{ID: 1, Name: "A"}}}
	c := NewCache(src)
	_ = c.Refresh(context.Background())

	got := c.All()
	got[0].Name = "mutated"
	if s, _ := c.ByID(1); s.Name != "A" {
		t.Fatalf("caller mutation leaked into cache")
	}
}
