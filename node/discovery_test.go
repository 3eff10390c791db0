package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryNodesParsesRegistryResponse(t *testing.T) {
	var gotLimit, gotMinHeight string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/nodes", r.URL.Path)
		gotLimit = r.URL.Query().Get("limit")
		gotMinHeight = r.URL.Query().Get("min_height")
		_ = json.NewEncoder(w).Encode([]Candidate{
			{Address: "203.0.113.5", Port: 8335, Version: "astram-node/1.0", Height: 120, LastSeen: 1_738_800_000},
		})
	}))
	defer srv.Close()

	c := NewDiscoveryClient(testLogger(), srv.URL)
	nodes, err := c.Nodes(context.Background(), 32, 100)
	require.NoError(t, err)
	require.Equal(t, "32", gotLimit)
	require.Equal(t, "100", gotMinHeight)
	require.Len(t, nodes, 1)
	require.Equal(t, "203.0.113.5", nodes[0].Address)
	require.Equal(t, uint64(120), nodes[0].Height)
}

func TestDiscoveryRegisterPostsListener(t *testing.T) {
	var got Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/register", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewDiscoveryClient(testLogger(), srv.URL)
	err := c.Register(context.Background(), Registration{Address: "198.51.100.9", Port: 8335, Version: "astram-node/1.0", Height: 7})
	require.NoError(t, err)
	require.Equal(t, uint16(8335), got.Port)
	require.Equal(t, uint64(7), got.Height)
}

func TestDiscoveryNodesSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewDiscoveryClient(testLogger(), srv.URL)
	_, err := c.Nodes(context.Background(), 1, 0)
	require.Error(t, err)
}
