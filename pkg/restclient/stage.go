package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/httputil"
	"github.com/caffeinetv/libcaffeine-go/internal/stage"
)

// stageEnvelope decodes both possible Stage Protocol response shapes (§3,
// §4.3): a success carries cursor/payload/retry_in, a typed failure carries
// type/reason/display_message. Exactly one set is populated per response.
type stageEnvelope struct {
	Type           string      `json:"type,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	DisplayMessage string      `json:"display_message,omitempty"`
	Cursor         string      `json:"cursor,omitempty"`
	Payload        stage.Stage `json:"payload,omitempty"`
	RetryIn        uint32      `json:"retry_in,omitempty"`
}

// StageUpdate is the heart of the Stage Protocol (§4.3): PUT
// /v4/stage/{username}. It blocks as long as the server holds the
// connection open for a long-poll. Only "OutOfCapacity" is surfaced as a
// distinct typed failure; everything else collapses to a generic failure,
// and only transport-level/untyped outcomes are retried (§4.2).
func (c *Client) StageUpdate(ctx context.Context, req stage.Request, username string) (stage.Response, *caferr.Error) {
	url := c.endpoints.StageURL(username)
	reqBody, err := marshalBody(req)
	if err != nil {
		return stage.Response{}, caferr.Wrap(caferr.KindFailure, err)
	}

	var result stage.Response
	var typed *caferr.Error

	doErr := httputil.Do(ctx, url, func(attemptNum int) (bool, error) {
		status, data, err := c.doOnce(ctx, http.MethodPut, url, c.authHeaders(), reqBody)
		if err != nil {
			return true, err
		}

		if status == http.StatusUnauthorized {
			if !c.creds.Refresh(ctx, c.refreshFunc()) {
				typed = caferr.New(caferr.KindRefreshTokenRequired)
				return false, typed
			}
			status, data, err = c.doOnce(ctx, http.MethodPut, url, c.authHeaders(), reqBody)
			if err != nil {
				return true, err
			}
		}

		if isRetryableStatus(status) {
			return true, fmt.Errorf("restclient: retryable status %d from %s", status, url)
		}

		var env stageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return true, fmt.Errorf("restclient: malformed stage response from %s: %w", url, err)
		}

		if env.Type != "" {
			if env.Type == string(stage.FailureTypeOutOfCapacity) {
				typed = caferr.WithDisplay(caferr.KindOutOfCapacity, env.DisplayMessage)
			} else {
				typed = caferr.New(caferr.KindFailure)
			}
			return false, typed
		}

		result = stage.Response{Cursor: env.Cursor, RetryIn: env.RetryIn, Stage: env.Payload}
		return false, nil
	})

	if doErr != nil {
		if typed != nil {
			return stage.Response{}, typed
		}
		return stage.Response{}, caferr.Wrap(caferr.KindFailure, doErr)
	}
	return result, nil
}

// TrickleCandidates PUTs the gathered ICE candidates to the stream URL
// (§4.2, §6). It is an at-least-once send; the server is assumed idempotent
// for repeated candidates on the same stream.
func (c *Client) TrickleCandidates(ctx context.Context, candidates []stage.IceCandidate, streamURL string) bool {
	wire := make([]iceCandidateWire, len(candidates))
	for i, ic := range candidates {
		wire[i] = iceCandidateWire{Candidate: ic.SDP, SDPMid: ic.Mid, SDPMLineIndex: ic.MLineIndex}
	}
	body, err := json.Marshal(trickleRequest{IceCandidates: wire})
	if err != nil {
		return false
	}
	return c.doAuthenticatedBool(ctx, http.MethodPut, streamURL, "", body)
}

// HeartbeatStream POSTs <streamUrl>/heartbeat (§4.2, §6). The second return
// value is false when the call ultimately failed after retries, matching
// §3's "optional HeartbeatResponse".
func (c *Client) HeartbeatStream(ctx context.Context, streamURL string) (stage.HeartbeatResponse, bool) {
	url := streamURL + "/heartbeat"
	var resp heartbeatResponseWire
	if err := c.doAuthenticatedJSON(ctx, http.MethodPost, url, nil, &resp); err != nil {
		return stage.HeartbeatResponse{}, false
	}
	return stage.HeartbeatResponse{ConnectionQuality: stage.ConnectionQuality(resp.ConnectionQuality)}, true
}
