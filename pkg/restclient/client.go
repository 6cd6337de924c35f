// Package restclient implements the REST Client (§4.2): header discipline,
// the transport-level timeout/low-speed policy, the bounded retry +
// 401-refresh dance, and the typed endpoint operations the rest of the
// module calls against the Caffeine control-plane HTTP API.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/config"
	"github.com/caffeinetv/libcaffeine-go/internal/credentials"
	"github.com/caffeinetv/libcaffeine-go/internal/httputil"
	"github.com/caffeinetv/libcaffeine-go/internal/logging"
)

var log = logging.L("restclient")

// Client issues every HTTP call against the control plane. One Client is
// shared across the Instance's lifetime.
type Client struct {
	endpoints     config.Endpoints
	httpClient    *http.Client
	clientType    string
	clientVersion string
	libVersion    string
	creds         *credentials.Store
}

// NewClient builds a Client. libVersion is this module's own version,
// carried on every request as X-Libcaffeine-Version (§4.2).
func NewClient(endpoints config.Endpoints, clientType, clientVersion, libVersion string, creds *credentials.Store) *Client {
	return &Client{
		endpoints:     endpoints,
		httpClient:    newHTTPClient(),
		clientType:    clientType,
		clientVersion: clientVersion,
		libVersion:    libVersion,
		creds:         creds,
	}
}

func (c *Client) baseHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Client-Type", c.clientType)
	h.Set("X-Client-Version", c.clientVersion)
	h.Set("X-Libcaffeine-Version", c.libVersion)
	h.Set("X-Request-Id", uuid.NewString())
	return h
}

// authHeaders snapshots the credential store under its lock at request-build
// time, per §4.2, rather than holding the lock across the network call.
func (c *Client) authHeaders() http.Header {
	snap := c.creds.Snapshot()
	h := c.baseHeaders()
	h.Set("Authorization", "Bearer "+snap.AccessToken)
	h.Set("X-Credential", snap.Credential)
	return h
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// doOnce issues a single HTTP round trip and returns the status code and raw
// body. It never classifies retryability — that's the caller's job, so
// JSON-decoding endpoints and bool-returning endpoints can each apply their
// own outcome mapping over the same transport primitive.
func (c *Client) doOnce(ctx context.Context, method, url string, headers http.Header, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// refreshFunc adapts Client.RefreshAuth to credentials.RefreshFunc, so the
// Credential Store can perform a refresh without knowing about HTTP.
func (c *Client) refreshFunc() credentials.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (credentials.Credentials, error) {
		result, err := c.RefreshAuth(ctx, refreshToken)
		if err != nil {
			return credentials.Credentials{}, err
		}
		if result.Kind != caferr.KindSuccess || result.Credentials == nil {
			return credentials.Credentials{}, caferr.New(caferr.KindRefreshTokenRequired)
		}
		return *result.Credentials, nil
	}
}

func marshalBody(reqBody any) ([]byte, error) {
	if reqBody == nil {
		return nil, nil
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, caferr.Wrap(caferr.KindFailure, err)
	}
	return b, nil
}

// doUnauthenticatedJSON runs the bounded-retry policy (§4.2) over a JSON
// request/response pair that needs no credentials (checkVersion, signIn,
// refreshAuth, getSupportedGames).
func (c *Client) doUnauthenticatedJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	bodyBytes, err := marshalBody(reqBody)
	if err != nil {
		return err
	}

	return httputil.Do(ctx, url, func(attemptNum int) (bool, error) {
		status, data, err := c.doOnce(ctx, method, url, c.baseHeaders(), bodyBytes)
		if err != nil {
			return true, err
		}
		if isRetryableStatus(status) {
			return true, fmt.Errorf("restclient: retryable status %d from %s", status, url)
		}
		if respBody != nil {
			if err := json.Unmarshal(data, respBody); err != nil {
				return true, fmt.Errorf("restclient: malformed response from %s: %w", url, err)
			}
		}
		return false, nil
	})
}

// doAuthenticatedJSON is doUnauthenticatedJSON plus the 401-refresh dance
// (§4.2): a 401 triggers exactly one Credentials.refresh() and one re-issue
// of the same request, within the same attempt — it does not consume one of
// the 3 retry-policy attempts.
func (c *Client) doAuthenticatedJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	bodyBytes, err := marshalBody(reqBody)
	if err != nil {
		return err
	}

	return httputil.Do(ctx, url, func(attemptNum int) (bool, error) {
		status, data, err := c.doOnce(ctx, method, url, c.authHeaders(), bodyBytes)
		if err != nil {
			return true, err
		}

		if status == http.StatusUnauthorized {
			log.Debug("401 received, refreshing credentials", "url", url)
			if !c.creds.Refresh(ctx, c.refreshFunc()) {
				return false, caferr.New(caferr.KindRefreshTokenRequired)
			}
			status, data, err = c.doOnce(ctx, method, url, c.authHeaders(), bodyBytes)
			if err != nil {
				return true, err
			}
		}

		if isRetryableStatus(status) {
			return true, fmt.Errorf("restclient: retryable status %d from %s", status, url)
		}
		if respBody != nil {
			if err := json.Unmarshal(data, respBody); err != nil {
				return true, fmt.Errorf("restclient: malformed response from %s: %w", url, err)
			}
		}
		return false, nil
	})
}

// doAuthenticatedBool is the same policy for endpoints whose only outcome is
// success/failure (trickleCandidates, updateScreenshot): any 2xx is success, a
// retryable status retries, anything else is a non-retryable failure. An
// empty contentType keeps the default application/json header.
func (c *Client) doAuthenticatedBool(ctx context.Context, method, url, contentType string, body []byte) bool {
	headersFor := func() http.Header {
		h := c.authHeaders()
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		return h
	}

	err := httputil.Do(ctx, url, func(attemptNum int) (bool, error) {
		status, _, err := c.doOnce(ctx, method, url, headersFor(), body)
		if err != nil {
			return true, err
		}
		if status == http.StatusUnauthorized {
			if !c.creds.Refresh(ctx, c.refreshFunc()) {
				return false, caferr.New(caferr.KindRefreshTokenRequired)
			}
			status, _, err = c.doOnce(ctx, method, url, headersFor(), body)
			if err != nil {
				return true, err
			}
		}
		if isRetryableStatus(status) {
			return true, fmt.Errorf("restclient: retryable status %d from %s", status, url)
		}
		if status < 200 || status >= 300 {
			return false, fmt.Errorf("restclient: status %d from %s", status, url)
		}
		return false, nil
	})
	return err == nil
}
