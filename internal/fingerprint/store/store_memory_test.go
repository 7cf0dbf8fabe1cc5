package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore("a", "x", "y")
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) TestExistsBatch() {
	got, err := s.store.ExistsBatch(context.Background(), []string{"a", "b", "x"})
	s.Require().NoError(err)
	s.Equal(map[string]bool{"a": true, "b": false, "x": true}, got)
}

func (s *InMemoryStoreSuite) TestExistsBatchEmpty() {
	got, err := s.store.ExistsBatch(context.Background(), nil)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *InMemoryStoreSuite) TestExistsBatchHonoursCancelledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.store.ExistsBatch(ctx, []string{"a"})
	s.ErrorIs(err, context.Canceled)
}

func (s *InMemoryStoreSuite) TestAddAndRemove() {
	ctx := context.Background()
	s.Require().NoError(s.store.Add(ctx, "b", "a"))
	s.Equal(4, s.store.Len())

	s.store.Remove("a")
	got, err := s.store.ExistsBatch(ctx, []string{"a", "b"})
	s.Require().NoError(err)
	s.Equal(map[string]bool{"a": false, "b": true}, got)
}

func (s *InMemoryStoreSuite) TestConcurrentReadsAndWrites() {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.store.ExistsBatch(ctx, []string{"a", "b"})
			s.NoError(err)
		}()
		go func() {
			defer wg.Done()
			s.NoError(s.store.Add(ctx, "b"))
		}()
	}
	wg.Wait()
	s.Equal(4, s.store.Len())
}

func TestParseBackend(t *testing.T) {
	for _, name := range []string{"postgres", " Redis ", "MEMORY"} {
		if _, err := ParseBackend(name); err != nil {
			t.Fatalf("ParseBackend(%q): %v", name, err)
		}
	}
	if _, err := ParseBackend("mongo"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
