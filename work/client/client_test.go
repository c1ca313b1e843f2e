package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emeltv-player/work/config"
)

func TestGetSetsDefaultAndExtraHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(&config.Config{UserAgent: "EmelTV/1.0", RequestTimeout: time.Second})
	resp, err := hsc.Get(context.Background(), srv.URL, http.Header{"X-Client-IP": {"203.0.113.7"}})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "EmelTV/1.0", got.Get("User-Agent"))
	assert.Equal(t, "*/*", got.Get("Accept"))
	assert.Equal(t, "203.0.113.7", got.Get("X-Client-IP"))
}

func TestDoKeepsCallerAccept(t *testing.T) {
	var accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
	}))
	defer srv.Close()

	hsc := NewHeaderSettingClient(&config.Config{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")

	resp, err := hsc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "application/json", accept)
}

func TestGetHonoursContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHeaderSettingClient(&config.Config{}).Get(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
