package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbench/llmbench/internal/bench"
)

func TestLocalDriverNonStreaming(t *testing.T) {
	t.Run("uses usage completion tokens", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/completions", r.URL.Path)
			fmt.Fprint(w, `{"choices":[{"text":"generated text"}],"usage":{"completion_tokens":33}}`)
		}))
		defer server.Close()

		d := NewLocalDriver(quietLogger())
		sample, err := d.Drive(context.Background(), localConn(server.URL), bench.Config{Prompt: "hi"})
		require.NoError(t, err)

		assert.True(t, sample.Success)
		assert.Equal(t, 33, sample.Tokens)
		assert.True(t, sample.HasTTFT)
	})

	t.Run("falls back to word count", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"text":"four words right here"}]}`)
		}))
		defer server.Close()

		d := NewLocalDriver(quietLogger())
		sample, err := d.Drive(context.Background(), localConn(server.URL), bench.Config{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, 4, sample.Tokens)
	})

	t.Run("sends bearer token when configured", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"choices":[{"text":"ok"}]}`)
		}))
		defer server.Close()

		d := NewLocalDriver(quietLogger())
		conn := localConn(server.URL)
		conn.APIKey = "secret"
		_, err := d.Drive(context.Background(), conn, bench.Config{Prompt: "hi"})
		require.NoError(t, err)
	})
}

func TestLocalDriverStreaming(t *testing.T) {
	t.Run("parses sse events up to done marker", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"Hel\"}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"lo\"}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"\"}],\"usage\":{\"completion_tokens\":9}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer server.Close()

		d := NewLocalDriver(quietLogger())
		sample, err := d.Drive(context.Background(), localConn(server.URL), bench.Config{
			Prompt: "hi", Stream: true,
		})
		require.NoError(t, err)

		assert.True(t, sample.Success)
		assert.Equal(t, 9, sample.Tokens)
		assert.True(t, sample.HasTTFT)
	})

	t.Run("counts content chunks without usage", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"a\"}]}\n\n")
			fmt.Fprint(w, ": keep-alive comment\n\n")
			fmt.Fprint(w, "data: {\"choices\":[{\"text\":\"b\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		}))
		defer server.Close()

		d := NewLocalDriver(quietLogger())
		sample, err := d.Drive(context.Background(), localConn(server.URL), bench.Config{
			Prompt: "hi", Stream: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, sample.Tokens)
	})
}

func TestLocalDriverErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewLocalDriver(quietLogger())
	_, err := d.Drive(context.Background(), localConn(server.URL), bench.Config{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func localConn(url string) bench.Connection {
	return bench.Connection{Name: "nim", BaseURL: url, Variant: bench.VariantLocal}
}
