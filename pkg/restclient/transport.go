package restclient

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout  = 10 * time.Second
	lowSpeedLimit   = 100_000 // bytes/sec, per ScopedCurl's CURLOPT_LOW_SPEED_LIMIT
	lowSpeedWindow  = 10 * time.Second
)

// newHTTPClient builds the transport-level policy of §4.2: a 10s connect
// timeout and a sustained-low-speed abort, mirroring the original's
// ScopedCurl CURLOPT_CONNECTTIMEOUT / CURLOPT_LOW_SPEED_LIMIT/TIME pair.
func newHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &http.Client{
		Transport: &lowSpeedTransport{next: transport, limit: lowSpeedLimit, window: lowSpeedWindow},
	}
}

// lowSpeedTransport wraps every response body so that, once window has
// elapsed since the response headers arrived, a Read whose running average
// throughput is below limit bytes/sec aborts the request. The check runs
// only when a Read returns; a Read that blocks without returning any data
// is not interrupted by this wrapper.
type lowSpeedTransport struct {
	next   http.RoundTripper
	limit  int64
	window time.Duration
}

func (t *lowSpeedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &lowSpeedReader{ReadCloser: resp.Body, limit: t.limit, window: t.window, start: time.Now()}
	return resp, nil
}

type lowSpeedReader struct {
	io.ReadCloser
	limit  int64
	window time.Duration
	start  time.Time
	total  int64
}

func (r *lowSpeedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.total += int64(n)
	if elapsed := time.Since(r.start); elapsed > r.window {
		avg := float64(r.total) / elapsed.Seconds()
		if avg < float64(r.limit) {
			return n, fmt.Errorf("restclient: sustained throughput %.0f B/s below %d B/s for %s, aborting", avg, r.limit, r.window)
		}
	}
	return n, err
}
