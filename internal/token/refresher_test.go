package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresher_WaitBlocksUntilFirstToken(t *testing.T) {
	var calls int32
	source := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "tok-1", nil
	}

	r := NewRefresher("test", source, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Start(ctx)

	tok, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "tok-1", r.Current())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefresher_WaitHonorsContext(t *testing.T) {
	source := func(ctx context.Context) (string, error) {
		return "", errors.New("service down")
	}
	r := NewRefresher("test", source, time.Hour, zerolog.Nop())

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go r.Start(runCtx)

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefresher_CurrentEmptyBeforeRefresh(t *testing.T) {
	r := NewRefresher("test", func(context.Context) (string, error) { return "x", nil }, time.Hour, zerolog.Nop())
	assert.Equal(t, "", r.Current())
}

func TestSpeechTokenSource(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Write([]byte("issued-token"))
	}))
	defer srv.Close()

	// Point the source at the test server by swapping the transport
	// through a client that rewrites the host.
	client := srv.Client()
	client.Transport = rewriteHost(srv.URL, client.Transport)

	source := SpeechTokenSource("westus2", "secret-key", client)
	tok, err := source(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued-token", tok)
	assert.Equal(t, "secret-key", gotKey)
}

func TestRelayTokenSource_SubscriptionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "secret-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"Urls":["turn:relay.example.net:3478"],"Username":"u","Password":"p"}`))
	}))
	defer srv.Close()

	client := srv.Client()
	client.Transport = rewriteHost(srv.URL, client.Transport)

	source := RelayTokenSource("westus2", "", "secret-key", nil, client)
	doc, err := source(context.Background())
	require.NoError(t, err)
	assert.Contains(t, doc, "turn:relay.example.net:3478")
}

func TestRelayTokenSource_BearerFromSpeechRefresher(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"Urls":["turn:x"],"Username":"u","Password":"p"}`))
	}))
	defer srv.Close()

	speech := NewRefresher("speech", func(context.Context) (string, error) { return "sp-tok", nil }, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go speech.Start(ctx)

	client := srv.Client()
	client.Transport = rewriteHost(srv.URL, client.Transport)

	source := RelayTokenSource("westus2", "", "", speech, client)
	_, err := source(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sp-tok", gotAuth)
}

// rewriteHost redirects every request to the test server regardless of
// the URL the source built.
func rewriteHost(target string, next http.RoundTripper) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		outReq := req.Clone(req.Context())
		outReq.URL.Scheme = "http"
		outReq.URL.Host = target[len("http://"):]
		if next == nil {
			next = http.DefaultTransport
		}
		return next.RoundTrip(outReq)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
