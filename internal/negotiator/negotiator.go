// Package negotiator implements the Session Negotiator (§4.4): it builds the
// local WebRTC offer, drives the two-step Stage Protocol mutation that hands
// that offer to the server, applies the returned answer, and trickles
// gathered ICE candidates to the allocated stream URL.
package negotiator

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/idgen"
	"github.com/caffeinetv/libcaffeine-go/internal/logging"
	"github.com/caffeinetv/libcaffeine-go/internal/stage"
)

var log = logging.L("negotiator")

// maxBitrateBps is the ceiling bitrate the offer advertises, as a b=AS line
// on the video section only (§4.4 step 4). No start bitrate is set, and the
// audio section carries no cap. The negotiator never raises it afterward —
// any adaptive ramp is the host's encoder's concern, not this module's.
const maxBitrateBps = 2_000_000

// StageClient is the subset of *restclient.Client the negotiator drives.
// Scoped to an interface so negotiator tests don't need a live HTTP server.
type StageClient interface {
	StageUpdate(ctx context.Context, req stage.Request, username string) (stage.Response, *caferr.Error)
	TrickleCandidates(ctx context.Context, candidates []stage.IceCandidate, streamURL string) bool
}

// Result is everything the Broadcast Controller needs once negotiation
// succeeds.
type Result struct {
	PeerConnection *webrtc.PeerConnection
	AudioTrack     *webrtc.TrackLocalStaticSample
	VideoTrack     *webrtc.TrackLocalStaticSample
	FeedID         string
	ClientID       string
	StreamURL      string
	Cursor         string
	Stage          stage.Stage
}

// Negotiate runs the Session Negotiator sequence (§4.4) to completion or
// returns a fatal *caferr.Error. Any sub-step failure closes the peer
// connection before returning, per §4.4's "any step's failure is fatal".
func Negotiate(ctx context.Context, client StageClient, username, title string) (*Result, *caferr.Error) {
	feedID := idgen.New()
	clientID := idgen.New()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	peerConn, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}

	candidates := newCandidateCollector(peerConn)

	// Step 2+3: audio/video tracks. All automatic audio processing lives on
	// the host side of the frame-injection boundary (§4.4 step 2) — this
	// layer only carries Opus samples the host already fully processed.
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "caffeine-audio",
	)
	if err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}
	if _, err := peerConn.AddTrack(audioTrack); err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "caffeine-video",
	)
	if err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}
	videoSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}

	// Drain RTCP so the sender never blocks on backpressure.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, readErr := videoSender.Read(buf)
			if readErr != nil {
				return
			}
			if _, perr := rtcp.Unmarshal(buf[:n]); perr != nil {
				continue
			}
		}
	}()

	// Step 5: local offer.
	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		peerConn.Close()
		return nil, caferr.New(caferr.KindBroadcastFailed)
	}
	offer.SDP = capVideoBitrate(offer.SDP, maxBitrateBps/1000)

	if err := peerConn.SetLocalDescription(offer); err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}

	// Step 6: initial stageUpdate, no feed, just to obtain a cursor.
	initResp, cerr := client.StageUpdate(ctx, stage.Request{Client: stage.Client{ID: clientID}}, username)
	if cerr != nil {
		peerConn.Close()
		return nil, cerr
	}

	// Step 7: second stageUpdate carrying the offer.
	cursor := initResp.Cursor
	feedReq := stage.Request{
		Client: stage.Client{ID: clientID},
		Cursor: &cursor,
		Payload: stage.Stage{
			Title:           stage.Annotate(title),
			UpsertBroadcast: true,
			Live:            false,
			Feeds: map[string]stage.Feed{
				feedID: {
					ID:           feedID,
					ClientID:     clientID,
					Role:         stage.FeedRolePrimary,
					Volume:       1.0,
					Capabilities: stage.Capabilities{Audio: true, Video: true},
					Stream:       stage.Stream{SDPOffer: offer.SDP},
				},
			},
		},
	}
	feedResp, cerr := client.StageUpdate(ctx, feedReq, username)
	if cerr != nil {
		peerConn.Close()
		// Step 8: OutOfCapacity surfaces specifically, everything else is generic.
		if cerr.Kind == caferr.KindOutOfCapacity {
			return nil, cerr
		}
		return nil, caferr.New(caferr.KindBroadcastFailed)
	}

	// Step 9: extract sdp_answer/url.
	feed, ok := feedResp.Stage.Feeds[feedID]
	if !ok || feed.Stream.SDPAnswer == "" || feed.Stream.URL == "" {
		peerConn.Close()
		return nil, caferr.New(caferr.KindBroadcastFailed)
	}

	// Step 10: apply the answer as the remote description. The local
	// description was already set above; SetLocalDescription is not
	// reapplied here per §4.4 step 10's ordering.
	if err := peerConn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  feed.Stream.SDPAnswer,
	}); err != nil {
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, err)
	}

	// Step 11: wait for ICE gathering, then trickle candidates.
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, caferr.Wrap(caferr.KindBroadcastFailed, ctx.Err())
	}

	if gathered := candidates.snapshot(); len(gathered) > 0 {
		if !client.TrickleCandidates(ctx, gathered, feed.Stream.URL) {
			log.Error("trickleCandidates failed, aborting negotiation", "feedId", feedID)
			peerConn.Close()
			return nil, caferr.New(caferr.KindBroadcastFailed)
		}
	}

	// Step 12: the caller (Broadcast Controller) still has to allocate a
	// broadcast id, upload a thumbnail, and mark the feed live before it can
	// transition to Online; this return is just negotiation succeeding.
	return &Result{
		PeerConnection: peerConn,
		AudioTrack:     audioTrack,
		VideoTrack:     videoTrack,
		FeedID:         feedID,
		ClientID:       clientID,
		StreamURL:      feed.Stream.URL,
		Cursor:         feedResp.Cursor,
		Stage:          feedResp.Stage,
	}, nil
}

// candidateCollector accumulates locally-gathered ICE candidates via
// OnICECandidate, since pion does not expose a post-hoc "list gathered
// candidates" accessor.
type candidateCollector struct {
	mu   sync.Mutex
	list []stage.IceCandidate
}

func newCandidateCollector(pc *webrtc.PeerConnection) *candidateCollector {
	c := &candidateCollector{}
	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return // nil signals end-of-candidates
		}
		init := ice.ToJSON()
		mLineIndex := uint16(0)
		if init.SDPMLineIndex != nil {
			mLineIndex = *init.SDPMLineIndex
		}
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		c.mu.Lock()
		c.list = append(c.list, stage.IceCandidate{SDP: init.Candidate, Mid: mid, MLineIndex: mLineIndex})
		c.mu.Unlock()
	})
	return c
}

func (c *candidateCollector) snapshot() []stage.IceCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stage.IceCandidate, len(c.list))
	copy(out, c.list)
	return out
}

// capVideoBitrate sets a b=AS: bandwidth line on the video media section of
// rawSDP (§4.4 step 4). If parsing fails, the original SDP is returned
// unchanged rather than failing the whole negotiation over a cosmetic cap.
func capVideoBitrate(rawSDP string, kbps int) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(rawSDP)); err != nil {
		log.Warn("failed to parse offer SDP for bitrate cap, leaving uncapped", "error", err)
		return rawSDP
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		md.Bandwidth = []sdp.Bandwidth{{Type: "AS", Bandwidth: uint64(kbps)}}
	}
	out, err := sd.Marshal()
	if err != nil {
		log.Warn("failed to remarshal SDP after bitrate cap, leaving uncapped", "error", err)
		return rawSDP
	}
	return string(out)
}
