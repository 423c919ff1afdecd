package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgallion1/docrag/internal/modeltest"
	"github.com/dgallion1/docrag/internal/transport"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClient(url, model string) *Client {
	tc := transport.New(url, transport.Options{RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, discard)
	return NewClient(tc, model, discard)
}

func TestEmbed_PreservesOrder(t *testing.T) {
	srv := modeltest.NewServer()
	defer srv.Close()

	c := newClient(srv.URL, modeltest.EmbedModel)
	texts := []string{"alpha beta", "gamma", "delta epsilon zeta"}
	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, text := range texts {
		want := modeltest.Embed(text)
		if len(vecs[i]) != modeltest.Dim {
			t.Fatalf("vector %d: expected dim %d, got %d", i, modeltest.Dim, len(vecs[i]))
		}
		for j := range want {
			if vecs[i][j] != want[j] {
				t.Fatalf("vector %d differs from embedding of %q at %d", i, text, j)
			}
		}
	}
	if n := srv.EmbedCalls.Load(); n != 3 {
		t.Errorf("expected one call per text, got %d", n)
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	c := newClient("http://127.0.0.1:1", modeltest.EmbedModel)
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil || len(vecs) != 0 {
		t.Fatalf("expected no vectors and no error, got %d, %v", len(vecs), err)
	}
}

func TestEmbed_FailureIsEmbeddingError(t *testing.T) {
	srv := modeltest.NewServer()
	defer srv.Close()
	srv.FailEmbed.Store(true)

	c := newClient(srv.URL, modeltest.EmbedModel)
	_, err := c.EmbedQuery(context.Background(), "anything")
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *embedding.Error, got %v", err)
	}
	var statusErr *transport.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected wrapped 400 status error, got %v", err)
	}
}

func TestEmbed_RejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding":[],"inputTextTokenCount":0}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL, "m")
	_, err := c.EmbedQuery(context.Background(), "x")
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *embedding.Error, got %v", err)
	}
}

func TestEmbed_RejectsDimensionMismatch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
			return
		}
		w.Write([]byte(`{"embedding":[0.1,0.2]}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL, "m")
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *embedding.Error, got %v", err)
	}
}

func TestEmbed_MalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := newClient(srv.URL, "m")
	if _, err := c.EmbedQuery(context.Background(), "x"); err == nil {
		t.Fatal("expected error for malformed reply")
	}
}
