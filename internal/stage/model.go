// Package stage implements the Stage Protocol data model (§3, §4.3) and its
// two pure policy functions: title annotation (§4.7) and aspect ratio
// checking (§4.12).
package stage

// ConnectionQuality mirrors the server's three-valued source connection
// quality (§3 Feed).
type ConnectionQuality string

const (
	ConnectionQualityGood    ConnectionQuality = "GOOD"
	ConnectionQualityPoor    ConnectionQuality = "POOR"
	ConnectionQualityUnknown ConnectionQuality = "UNKNOWN"
)

// FeedRole is primary or secondary (§3 Feed).
type FeedRole string

const (
	FeedRolePrimary   FeedRole = "primary"
	FeedRoleSecondary FeedRole = "secondary"
)

// ContentType distinguishes a feed's content descriptor between a game and a
// user (camera) source.
type ContentType string

const (
	ContentTypeGame ContentType = "game"
	ContentTypeUser ContentType = "user"
)

// Content is the feed's content descriptor: an id plus whether it names a
// game or a user.
type Content struct {
	ID   string      `json:"id,omitempty"`
	Type ContentType `json:"type,omitempty"`
}

// Capabilities records whether a feed carries audio and/or video.
type Capabilities struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Stream is the embedded FeedStream: either the client->server offer, or the
// server->client answer plus the allocated stream URL, plus optional
// stream/source ids.
type Stream struct {
	SDPOffer  string `json:"sdp_offer,omitempty"`
	SDPAnswer string `json:"sdp_answer,omitempty"`
	URL       string `json:"url,omitempty"`
	StreamID  string `json:"id,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
}

// Feed is one entry in a Stage's feed map (§3).
type Feed struct {
	ID                       string            `json:"id"`
	ClientID                 string            `json:"client_id"`
	Role                     FeedRole          `json:"role"`
	Volume                   float64           `json:"volume"`
	Capabilities             Capabilities      `json:"capabilities"`
	Content                  Content           `json:"content,omitempty"`
	SourceConnectionQuality  ConnectionQuality `json:"source_connection_quality,omitempty"`
	Stream                   Stream            `json:"stream"`
}

// Stage is the server's authoritative description of a broadcast and its
// feeds (§3).
type Stage struct {
	ID               string          `json:"id,omitempty"`
	Username         string          `json:"username,omitempty"`
	Title            string          `json:"title,omitempty"`
	BroadcastID      string          `json:"broadcast_id,omitempty"`
	Live             bool            `json:"live"`
	UpsertBroadcast  bool            `json:"upsert_broadcast,omitempty"`
	Feeds            map[string]Feed `json:"feeds"`
}

// HasLiveFeed reports whether the stage is live and still contains feedID —
// used by the heartbeat/long-poll loops' takeover detection (§4.5, §4.6).
func (s Stage) HasLiveFeed(feedID string) bool {
	if !s.Live {
		return false
	}
	_, ok := s.Feeds[feedID]
	return ok
}

// Client describes the caller in every StageRequest (§4.3).
type Client struct {
	ID                 string `json:"id"`
	Headless           bool   `json:"headless"`
	ConstrainedBaseline bool  `json:"constrained_baseline"`
}

// Request is the Stage Protocol request body (§4.3). Cursor is nil on the
// very first call for a given stage.
type Request struct {
	Client  Client  `json:"client"`
	Cursor  *string `json:"cursor,omitempty"`
	Payload Stage   `json:"payload"`
}

// Response is the successful Stage Protocol outcome: a fresh cursor, the
// server's suggested next-poll delay, and the observed stage.
type Response struct {
	Cursor  string
	RetryIn uint32 // milliseconds, per the wire response's retry_in field
	Stage   Stage
}

// FailureType is the server's typed stage failure discriminator. Only
// "OutOfCapacity" is distinguished per §3/§4.3; every other value collapses
// to a generic failure by the caller.
type FailureType string

const (
	FailureTypeOutOfCapacity FailureType = "OutOfCapacity"
)

// FailureResponse is the typed-failure shape returned in place of Response.
type FailureResponse struct {
	Type           FailureType `json:"type"`
	Reason         string      `json:"reason,omitempty"`
	DisplayMessage string      `json:"display_message,omitempty"`
}

// UserInfo is the immutable snapshot obtained after sign-in (§3).
type UserInfo struct {
	Username     string
	CanBroadcast bool
}

// GameInfo describes one entry in the supported-games list (§3).
type GameInfo struct {
	ID        string
	Name      string
	ProcessNames []string
}

// IceCandidate is one ICE candidate produced during gathering (§3).
type IceCandidate struct {
	SDP           string
	Mid           string
	MLineIndex    uint16
}

// HeartbeatResponse carries the single connection-quality value the
// heartbeat endpoint returns (§3).
type HeartbeatResponse struct {
	ConnectionQuality ConnectionQuality
}
