package topology

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ConfigSource opens a stream of configuration documents for bucket from one
// management endpoint. Closing the returned body must unblock pending reads.
type ConfigSource interface {
	Open(ctx context.Context, endpoint, bucket string) (io.ReadCloser, error)
}

// HTTPSource streams bucket configurations from the management REST API.
type HTTPSource struct {
	Client   *http.Client
	Scheme   string // "http" when empty
	Username string
	Password string
}

// NewHTTPSource returns a source with a client suited to long-lived
// responses: dialing and response headers are bounded, the body is not.
func NewHTTPSource(username, password string) *HTTPSource {
	return &HTTPSource{
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConnsPerHost:   1,
			},
		},
		Username: username,
		Password: password,
	}
}

// Open issues GET /pools/default/bs/<bucket>.
func (s *HTTPSource) Open(ctx context.Context, endpoint, bucket string) (io.ReadCloser, error) {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   endpoint,
		Path:   "/pools/default/bs/" + url.PathEscape(bucket),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("topology: %s returned %s", u.String(), resp.Status)
	}
	return resp.Body, nil
}

var documentDelimiter = []byte("\n\n\n\n")

// ScanDocuments is a bufio.SplitFunc for the streaming endpoint, which
// separates documents with four newlines. Blank tokens are skipped.
func ScanDocuments(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for {
		rest := data[start:]
		i := bytes.Index(rest, documentDelimiter)
		if i < 0 {
			break
		}
		if doc := bytes.TrimSpace(rest[:i]); len(doc) > 0 {
			return start + i + len(documentDelimiter), doc, nil
		}
		start += i + len(documentDelimiter)
	}

	if atEOF {
		if doc := bytes.TrimSpace(data[start:]); len(doc) > 0 {
			return len(data), doc, nil
		}
		return len(data), nil, nil
	}

	// skip consumed blank documents, request more data
	return start, nil, nil
}

// documentSplitter wraps ScanDocuments with a size bound. A document that
// outgrows max is discarded up to its delimiter and reported as a single
// empty token so the stream can go on.
type documentSplitter struct {
	max      int
	skipping bool
}

func (d *documentSplitter) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if d.skipping {
		if i := bytes.Index(data, documentDelimiter); i >= 0 {
			d.skipping = false
			return i + len(documentDelimiter), nil, nil
		}
		if atEOF {
			return len(data), nil, nil
		}
		// a delimiter may straddle the next read
		return max(0, len(data)-len(documentDelimiter)+1), nil, nil
	}

	advance, token, err = ScanDocuments(data, atEOF)
	if err != nil || token != nil || atEOF {
		return advance, token, err
	}
	if len(data)-advance >= d.max {
		d.skipping = true
		return max(advance, len(data)-len(documentDelimiter)+1), []byte{}, nil
	}
	return advance, nil, nil
}
