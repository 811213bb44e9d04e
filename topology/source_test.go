package topology

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceStreamsDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/pools/default/bs/travel-sample" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for _, rev := range []int64{1, 2} {
			fmt.Fprintf(w, "%s\n\n\n\n", configDoc(rev))
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	source := NewHTTPSource("admin", "secret")

	s := newTestStreamer(t, source, func(c *StreamerConfig) {
		c.Bucket = "travel-sample"
		c.Bootstrap = []string{endpoint}
	})
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		m := s.Current()
		return m != nil && m.Revision() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())

	require.NoError(t, s.Close())
}

func TestHTTPSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	source := NewHTTPSource("admin", "wrong")
	_, err := source.Open(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.Open(ctx, strings.TrimPrefix(srv.URL, "http://"), "default")
	require.Error(t, err)
}
