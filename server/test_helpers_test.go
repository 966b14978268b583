package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/chazu/stackvm/store"
	"github.com/chazu/stackvm/vm/dist"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

// testEnv bundles a running server with a client pointed at it.
type testEnv struct {
	Server *Server
	HTTP   *httptest.Server
	Client *Client
}

// newTestEnv starts a server on an httptest listener and stops both when
// the test ends.
func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	s := New(opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testEnv{
		Server: s,
		HTTP:   ts,
		Client: NewClient(ts.Client(), ts.URL),
	}
}

// newTestStore opens a store in a temp dir.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func bg() context.Context {
	return context.Background()
}

// image wraps code in a single-function image.
func image(name string, globals int, code ...int) *dist.Image {
	return &dist.Image{
		Version:   dist.ImageVersion,
		Name:      name,
		Globals:   globals,
		Functions: []dist.Function{{Name: "main"}},
		Code:      code,
	}
}
