// Package broadcast implements the Broadcast Controller (§4.5, §4.6, §5):
// the Offline/Starting/Online/Stopping state machine, and the heartbeat and
// long-poll loops that keep a single feed alive once the Session Negotiator
// has brought it Online.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/logging"
	"github.com/caffeinetv/libcaffeine-go/internal/negotiator"
	"github.com/caffeinetv/libcaffeine-go/internal/screenshot"
	"github.com/caffeinetv/libcaffeine-go/internal/stage"
)

var log = logging.L("broadcast")

// State is one of the four Broadcast Controller states (§5).
type State int32

const (
	StateOffline State = iota
	StateStarting
	StateOnline
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// tickInterval and heartbeatPulseTicks are vars rather than consts so tests
// in this package can shrink them; 100ms*51 reproduces the original's 5.1s
// effective heartbeat period (51 ticks, not the 50 a naive "every 5s" reading
// would suggest — see src/Broadcast.cpp's tick accumulator, confirmed in
// SPEC_FULL.md's supplemented-features notes).
var (
	tickInterval        = 100 * time.Millisecond
	heartbeatPulseTicks = 51
)

const (
	maxHeartbeatFailures  = 5
	fallbackRetryInterval = 5 * time.Second
)

// Client is the subset of *restclient.Client the Broadcast Controller
// drives. It is a superset of negotiator.StageClient, so a Client value can
// be passed directly to negotiator.Negotiate.
type Client interface {
	StageUpdate(ctx context.Context, req stage.Request, username string) (stage.Response, *caferr.Error)
	TrickleCandidates(ctx context.Context, candidates []stage.IceCandidate, streamURL string) bool
	HeartbeatStream(ctx context.Context, streamURL string) (stage.HeartbeatResponse, bool)
	UpdateScreenshot(ctx context.Context, broadcastID string, jpeg []byte) bool
}

var _ negotiator.StageClient = Client(nil)

// snapshot is spec.md's "nextRequest": the last adopted cursor+stage pair
// both loops build their next mutation from (§4.5, §4.6).
type snapshot struct {
	cursor string
	stage  stage.Stage
}

// Controller is the Broadcast Controller.
type Controller struct {
	client    Client
	username  string
	onFailure func(*caferr.Error)

	state atomic.Int32

	mu      sync.Mutex
	current *snapshot

	feedID      string
	clientID    string
	streamURL   string
	broadcastID string

	isMutatingFeed atomic.Bool

	screenshotPipeline *screenshot.Pipeline
	audioTrack         *webrtc.TrackLocalStaticSample
	videoTrack         *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewController builds an idle (Offline) Controller. onFailure is invoked
// with the most specific applicable error kind (§7) each time a fatal
// condition is detected; this package does not deduplicate those calls.
// Dispatching it off the detecting goroutine, once per broadcast, is the
// Instance Facade's job via internal/taskqueue; this package calls it
// synchronously, inline, wherever the failure is detected.
func NewController(client Client, username string, onFailure func(*caferr.Error)) *Controller {
	return &Controller{client: client, username: username, onFailure: onFailure}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// ConnectionQuality is a plain read of the cached feed's source connection
// quality (§4.5): no smoothing, no background polling.
func (c *Controller) ConnectionQuality() stage.ConnectionQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return stage.ConnectionQualityUnknown
	}
	feed, ok := c.current.stage.Feeds[c.feedID]
	if !ok || feed.SourceConnectionQuality == "" {
		return stage.ConnectionQualityUnknown
	}
	return feed.SourceConnectionQuality
}

// OfferScreenshotFrame hands the video pipeline's first I420 frame to the
// screenshot pipeline (§4.8). Safe to call from the video capture thread;
// a no-op before Start or after the one-shot hand-off has already fired.
func (c *Controller) OfferScreenshotFrame(f screenshot.Frame) {
	c.mu.Lock()
	p := c.screenshotPipeline
	c.mu.Unlock()
	if p != nil {
		p.OfferFrame(f)
	}
}

// BroadcastID returns the broadcast id allocated during negotiation, or
// "" before Start succeeds.
func (c *Controller) BroadcastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastID
}

// AudioTrack and VideoTrack return the local WebRTC tracks the negotiator
// created, or nil before Start succeeds. The Instance Facade's
// SendAudio/SendVideo write host-supplied samples onto these; any actual
// Opus/H264 encoding is the out-of-scope external WebRTC engine's job (§1) —
// these tracks accept whatever payload a host-supplied encoder upstream of
// this call has already produced.
func (c *Controller) AudioTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioTrack
}

func (c *Controller) VideoTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoTrack
}

// Start runs the Session Negotiator (§4.4) and, on success, launches the
// heartbeat and long-poll loops and transitions to Online. It blocks until
// negotiation and the go-live sequence (broadcast id, thumbnail upload,
// live mutation) complete; the loops continue running in the background
// after a successful return.
func (c *Controller) Start(ctx context.Context, title string) *caferr.Error {
	if !c.state.CompareAndSwap(int32(StateOffline), int32(StateStarting)) {
		return caferr.New(caferr.KindAlreadyBroadcasting)
	}

	result, cerr := negotiator.Negotiate(ctx, c.client, c.username, title)
	if cerr != nil {
		c.state.Store(int32(StateOffline))
		c.fail(caferr.KindOf(cerr))
		return cerr
	}

	c.mu.Lock()
	c.feedID = result.FeedID
	c.clientID = result.ClientID
	c.streamURL = result.StreamURL
	c.broadcastID = result.Stage.BroadcastID
	c.current = &snapshot{cursor: result.Cursor, stage: result.Stage}
	c.screenshotPipeline = screenshot.NewDefault()
	c.audioTrack = result.AudioTrack
	c.videoTrack = result.VideoTrack
	c.mu.Unlock()

	// §4.4 step (vii) / §4.8: a broadcast id must be allocated, the
	// thumbnail uploaded, and a final upsert_broadcast=true,live=true
	// mutation must echo our feed back live — all three are preconditions
	// of Online, not something that happens after. Any failure here is
	// fatal, matching every other negotiation sub-step.
	if cerr := c.goLive(ctx); cerr != nil {
		c.state.Store(int32(StateOffline))
		c.fail(caferr.KindOf(cerr))
		return cerr
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	group, groupCtx := errgroup.WithContext(loopCtx)
	c.group = group

	// Online must be visible before the loops' first tick: the long-poll
	// loop exits as soon as it observes anything other than Online.
	c.state.Store(int32(StateOnline))

	group.Go(func() error { c.heartbeatLoop(groupCtx); return nil })
	group.Go(func() error { c.longpollLoop(groupCtx); return nil })

	return nil
}

// goLive drives the sequence that actually makes the stage live: allocate
// a broadcast id, hand off the first video frame as the broadcast
// thumbnail, then push the mutation that flips live=true and carries
// upsert_broadcast=true one last time. Mirrors the order Broadcast.cpp's
// startHeartbeat performs before spawning its heartbeat thread.
func (c *Controller) goLive(ctx context.Context) *caferr.Error {
	if cerr := c.ensureBroadcastID(ctx); cerr != nil {
		return cerr
	}
	if cerr := c.awaitAndUploadScreenshot(ctx); cerr != nil {
		return cerr
	}
	return c.markLive(ctx)
}

// ensureBroadcastID retries the upsert_broadcast=true mutation up to 3
// times until the server echoes back a broadcast_id, mirroring
// Broadcast.cpp's bounded broadcastId retry loop. A no-op if negotiation
// already returned one.
func (c *Controller) ensureBroadcastID(ctx context.Context) *caferr.Error {
	c.mu.Lock()
	broadcastID := c.broadcastID
	c.mu.Unlock()

	for attempt := 0; broadcastID == "" && attempt < 3; attempt++ {
		snap := c.snapshotRequest()
		if snap == nil {
			return caferr.New(caferr.KindBroadcastFailed)
		}
		if _, ok := snap.stage.Feeds[c.feedID]; !ok {
			return caferr.New(caferr.KindBroadcastFailed)
		}

		mutated := snap.stage
		mutated.Feeds = cloneFeeds(snap.stage.Feeds)
		mutated.UpsertBroadcast = true
		cursor := snap.cursor
		req := stage.Request{Client: stage.Client{ID: c.clientID}, Cursor: &cursor, Payload: mutated}

		resp, cerr := c.client.StageUpdate(ctx, req, c.username)
		if cerr != nil {
			return cerr
		}
		if _, ok := resp.Stage.Feeds[c.feedID]; !ok {
			return caferr.New(caferr.KindBroadcastFailed)
		}
		c.adopt(resp)
		broadcastID = resp.Stage.BroadcastID
	}

	if broadcastID == "" {
		return caferr.New(caferr.KindBroadcastFailed)
	}

	c.mu.Lock()
	c.broadcastID = broadcastID
	c.mu.Unlock()
	return nil
}

// markLive issues the final upsert_broadcast=true,live=true mutation
// (§4.4 step (vii)). Only a response that echoes our feed back live counts
// as success; anything else is a fatal broadcast failure.
func (c *Controller) markLive(ctx context.Context) *caferr.Error {
	snap := c.snapshotRequest()
	if snap == nil {
		return caferr.New(caferr.KindBroadcastFailed)
	}
	if _, ok := snap.stage.Feeds[c.feedID]; !ok {
		return caferr.New(caferr.KindBroadcastFailed)
	}

	mutated := snap.stage
	mutated.Feeds = cloneFeeds(snap.stage.Feeds)
	mutated.UpsertBroadcast = true
	mutated.Live = true
	cursor := snap.cursor
	req := stage.Request{Client: stage.Client{ID: c.clientID}, Cursor: &cursor, Payload: mutated}

	resp, cerr := c.client.StageUpdate(ctx, req, c.username)
	if cerr != nil {
		return cerr
	}
	if !resp.Stage.HasLiveFeed(c.feedID) {
		return caferr.New(caferr.KindBroadcastFailed)
	}
	c.adopt(resp)
	return nil
}

// Stop requests both loops exit and blocks until they do. Safe to call
// more than once and safe to call when Start was never called.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.state.CompareAndSwap(int32(StateOnline), int32(StateStopping))
		if c.cancel != nil {
			c.cancel()
		}
		if c.group != nil {
			_ = c.group.Wait()
		}
		c.state.Store(int32(StateOffline))
	})
}

// UpdateStage mutates the adopted stage (under the same isMutatingFeed
// coordination the heartbeat loop uses for its own connection-quality
// mutations) and pushes the result to the server — the Instance Facade's
// SetTitle/SetGameId land here (§6).
func (c *Controller) UpdateStage(ctx context.Context, mutate func(*stage.Stage)) *caferr.Error {
	c.isMutatingFeed.Store(true)
	defer c.isMutatingFeed.Store(false)

	snap := c.snapshotRequest()
	if !ownsFeed(snap, c.feedID) {
		return caferr.New(caferr.KindBroadcastFailed)
	}

	mutated := snap.stage
	mutated.Feeds = cloneFeeds(snap.stage.Feeds)
	mutate(&mutated)

	cursor := snap.cursor
	req := stage.Request{Client: stage.Client{ID: c.clientID}, Cursor: &cursor, Payload: mutated}

	resp, cerr := c.client.StageUpdate(ctx, req, c.username)
	if cerr != nil {
		return cerr
	}
	if !resp.Stage.HasLiveFeed(c.feedID) {
		c.fail(caferr.KindTakeover)
		return caferr.New(caferr.KindTakeover)
	}
	c.adopt(resp)
	return nil
}

// UpdateFeed is UpdateStage narrowed to just this controller's own feed
// entry.
func (c *Controller) UpdateFeed(ctx context.Context, mutate func(*stage.Feed)) *caferr.Error {
	return c.UpdateStage(ctx, func(s *stage.Stage) {
		feed := s.Feeds[c.feedID]
		mutate(&feed)
		s.Feeds[c.feedID] = feed
	})
}

func (c *Controller) fail(kind caferr.Kind) {
	log.Warn("broadcast failed", "kind", kind.String(), "feedId", c.feedID)
	if c.onFailure != nil {
		c.onFailure(caferr.New(kind))
	}
}

func (c *Controller) snapshotRequest() *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) adopt(resp stage.Response) {
	c.mu.Lock()
	c.current = &snapshot{cursor: resp.Cursor, stage: resp.Stage}
	c.mu.Unlock()
}

// ownsFeed reports whether s's stage still lists feedID as live (§3
// Stage.HasLiveFeed).
func ownsFeed(s *snapshot, feedID string) bool {
	if s == nil {
		return false
	}
	return s.stage.HasLiveFeed(feedID)
}

func cloneFeeds(in map[string]stage.Feed) map[string]stage.Feed {
	out := make(map[string]stage.Feed, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// heartbeatLoop is §4.5.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.heartbeatFinalStageUpdate(context.Background())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	ticks := 0
	failures := 0
	shouldMutateFeed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.snapshotRequest()
			if !ownsFeed(snap, c.feedID) {
				if snap == nil {
					c.fail(caferr.KindBroadcastFailed)
				} else {
					c.fail(caferr.KindTakeover)
				}
				return
			}

			ticks++
			if ticks < heartbeatPulseTicks {
				continue
			}
			ticks = 0

			hbResp, ok := c.client.HeartbeatStream(ctx, c.streamURL)
			if !ok {
				failures++
				if failures > maxHeartbeatFailures {
					c.fail(caferr.KindDisconnected)
					return
				}
				continue
			}
			failures = 0

			feed := snap.stage.Feeds[c.feedID]
			if hbResp.ConnectionQuality != "" && hbResp.ConnectionQuality != feed.SourceConnectionQuality {
				feed.SourceConnectionQuality = hbResp.ConnectionQuality
				shouldMutateFeed = true
			}

			if !shouldMutateFeed {
				continue
			}

			c.isMutatingFeed.Store(true)
			mutated := snap.stage
			mutated.Feeds = cloneFeeds(snap.stage.Feeds)
			mutated.Feeds[c.feedID] = feed
			cursor := snap.cursor
			req := stage.Request{Client: stage.Client{ID: c.clientID}, Cursor: &cursor, Payload: mutated}

			resp, cerr := c.client.StageUpdate(ctx, req, c.username)
			if cerr != nil {
				// Leave isMutatingFeed set; retry on the next pulse.
				continue
			}
			if !resp.Stage.HasLiveFeed(c.feedID) {
				c.isMutatingFeed.Store(false)
				c.fail(caferr.KindTakeover)
				return
			}
			c.adopt(resp)
			shouldMutateFeed = false
			c.isMutatingFeed.Store(false)
		}
	}
}

// awaitAndUploadScreenshot blocks on the screenshot hand-off before the
// stage is allowed to go live (§4.8), then uploads it as the broadcast
// thumbnail. Called from Start, before Online is ever observable, so any
// failure here is just another fatal go-live sub-step.
func (c *Controller) awaitAndUploadScreenshot(ctx context.Context) *caferr.Error {
	c.mu.Lock()
	pipeline := c.screenshotPipeline
	broadcastID := c.broadcastID
	c.mu.Unlock()
	if pipeline == nil {
		return nil
	}

	jpeg, err := pipeline.Wait(ctx)
	if err != nil {
		return caferr.Wrap(caferr.KindBroadcastFailed, err)
	}
	if !c.client.UpdateScreenshot(ctx, broadcastID, jpeg) {
		return caferr.New(caferr.KindBroadcastFailed)
	}
	return nil
}

// heartbeatFinalStageUpdate is §4.5's "on exit" clause: if we still own a
// feed, issue one final stageUpdate marking it not live, ignoring failure.
func (c *Controller) heartbeatFinalStageUpdate(ctx context.Context) {
	c.isMutatingFeed.Store(true)
	defer c.isMutatingFeed.Store(false)

	snap := c.snapshotRequest()
	if !ownsFeed(snap, c.feedID) {
		return
	}
	cursor := snap.cursor
	req := stage.Request{
		Client:  stage.Client{ID: c.clientID},
		Cursor:  &cursor,
		Payload: stage.Stage{Live: false, Feeds: map[string]stage.Feed{}},
	}
	_, _ = c.client.StageUpdate(ctx, req, c.username)
}

// longpollLoop is §4.6.
func (c *Controller) longpollLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var retryInterval time.Duration
	lastAction := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateOnline {
				return
			}
			if c.isMutatingFeed.Load() {
				continue
			}
			if time.Since(lastAction) < retryInterval {
				continue
			}
			lastAction = time.Now()

			snap := c.snapshotRequest()
			if !ownsFeed(snap, c.feedID) {
				return
			}

			cursor := snap.cursor
			req := stage.Request{Client: stage.Client{ID: c.clientID}, Cursor: &cursor}
			resp, cerr := c.client.StageUpdate(ctx, req, c.username)
			if cerr != nil {
				retryInterval = fallbackRetryInterval
				continue
			}
			if !resp.Stage.HasLiveFeed(c.feedID) {
				return
			}
			c.adopt(resp)
			if resp.RetryIn > 0 {
				retryInterval = time.Duration(resp.RetryIn) * time.Millisecond
			}
		}
	}
}
