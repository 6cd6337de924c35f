// Package caffeine is the Instance Facade (§6): the single public entry
// point a host application embeds — it owns the credential store, the
// REST client, and at most one active broadcast, and exposes the Host API's
// abstract surface (SignIn/StartBroadcast/SendAudio/SendVideo/...)
// as ordinary Go methods rather than a C ABI.
package caffeine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeinetv/libcaffeine-go/internal/audioadapter"
	"github.com/caffeinetv/libcaffeine-go/internal/broadcast"
	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/config"
	"github.com/caffeinetv/libcaffeine-go/internal/credentials"
	"github.com/caffeinetv/libcaffeine-go/internal/logging"
	"github.com/caffeinetv/libcaffeine-go/internal/screenshot"
	"github.com/caffeinetv/libcaffeine-go/internal/stage"
	"github.com/caffeinetv/libcaffeine-go/internal/taskqueue"
	"github.com/caffeinetv/libcaffeine-go/internal/videoadapter"
	"github.com/caffeinetv/libcaffeine-go/pkg/restclient"
	"github.com/pion/webrtc/v4/pkg/media"
)

// audioChunkDuration matches internal/audioadapter's fixed 10ms chunk size.
const audioChunkDuration = 10 * time.Millisecond

var log = logging.L("caffeine")

// callbackQueueSize bounds how many host callbacks (broadcast-failed, in
// practice — at most one per broadcast attempt) can be pending dispatch.
const callbackQueueSize = 8

// Rating mirrors the original C API's age-rating flag (caff_Broadcast's
// seventeenPlusTag). It is accepted, stored, and carried nowhere else:
// SPEC_FULL.md's annotateTitle grounding confirms the original never folded
// it into the title text, so this facade doesn't invent that behavior.
type Rating bool

const (
	RatingEveryone      Rating = false
	RatingSeventeenPlus Rating = true
)

// restClientFacade is the subset of *restclient.Client the Instance drives
// directly (broadcast.Client covers everything the controller needs).
type restClientFacade interface {
	broadcast.Client
	CheckVersion(ctx context.Context) (restclient.AuthResult, error)
	SignIn(ctx context.Context, username, password, otp string) (restclient.AuthResult, error)
	RefreshAuth(ctx context.Context, refreshToken string) (restclient.AuthResult, error)
	GetUserInfo(ctx context.Context) (restclient.UserInfo, error)
	GetSupportedGames(ctx context.Context) ([]stage.GameInfo, error)
}

var _ restClientFacade = (*restclient.Client)(nil)

// Instance is the process-wide (or per-session) facade. Construct one with
// New; at most one broadcast may be active at a time.
type Instance struct {
	clientType, clientVersion, libVersion string

	creds  *credentials.Store
	client restClientFacade
	queue  *taskqueue.Queue

	mu              sync.Mutex
	userInfo        stage.UserInfo
	controller      *broadcast.Controller
	videoAdapt      *videoadapter.Adapter
	audioAdapt      *audioadapter.Adapter
	rating          Rating
	onBroadcastFail func(*caferr.Error)
	aspectChecked   atomic.Bool
}

// New loads configuration (§6's LIBCAFFEINE_DOMAIN) and builds an Instance
// ready for CheckVersion/SignIn. Mirrors the Host API's
// Initialize+CreateInstance pair collapsed into one constructor, since this
// module has no separate process-wide Initialize step (no log level/
// callback registration — logging is wired once at process start via
// internal/logging).
func New(clientType, clientVersion, libVersion string) (*Instance, error) {
	endpoints, err := config.Load()
	if err != nil {
		return nil, err
	}

	creds := credentials.New()
	client := restclient.NewClient(endpoints, clientType, clientVersion, libVersion, creds)

	inst := &Instance{
		clientType:    clientType,
		clientVersion: clientVersion,
		libVersion:    libVersion,
		creds:         creds,
		client:        client,
		queue:         taskqueue.New(callbackQueueSize),
	}
	return inst, nil
}

// Close releases the Instance's background resources (FreeInstance in the
// Host API's terms). Ends any active broadcast first.
func (inst *Instance) Close() {
	inst.EndBroadcast()
	inst.queue.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst.queue.Drain(ctx)
}

// CheckVersion calls GET /v1/version-check; a non-nil error of Kind
// KindOldVersion means this build is too old to use.
func (inst *Instance) CheckVersion(ctx context.Context) *caferr.Error {
	result, err := inst.client.CheckVersion(ctx)
	if err != nil {
		if ce, ok := err.(*caferr.Error); ok {
			return ce
		}
		return caferr.Wrap(caferr.KindFailure, err)
	}
	if result.Kind != caferr.KindSuccess {
		return caferr.New(result.Kind)
	}
	return nil
}

// SignIn authenticates and, on success, fetches the signed-in user's
// broadcast eligibility. otp may be empty for a first attempt.
func (inst *Instance) SignIn(ctx context.Context, username, password, otp string) *caferr.Error {
	result, err := inst.client.SignIn(ctx, username, password, otp)
	return inst.adoptAuthResult(ctx, result, err)
}

// RefreshAuth exchanges a previously issued refresh token for fresh
// credentials, e.g. to resume a session across process restarts.
func (inst *Instance) RefreshAuth(ctx context.Context, refreshToken string) *caferr.Error {
	result, err := inst.client.RefreshAuth(ctx, refreshToken)
	return inst.adoptAuthResult(ctx, result, err)
}

func (inst *Instance) adoptAuthResult(ctx context.Context, result restclient.AuthResult, err error) *caferr.Error {
	if err != nil {
		if ce, ok := err.(*caferr.Error); ok {
			return ce
		}
		return caferr.Wrap(caferr.KindFailure, err)
	}
	if result.Kind != caferr.KindSuccess || result.Credentials == nil {
		return caferr.New(result.Kind)
	}

	h := inst.creds.Lock()
	h.Set(*result.Credentials)
	h.Unlock()

	info, infoErr := inst.client.GetUserInfo(ctx)
	if infoErr != nil {
		if ce, ok := infoErr.(*caferr.Error); ok {
			return ce
		}
		return caferr.Wrap(caferr.KindFailure, infoErr)
	}

	inst.mu.Lock()
	inst.userInfo = stage.UserInfo{Username: info.Username, CanBroadcast: info.CanBroadcast}
	inst.mu.Unlock()
	return nil
}

// SignOut discards the current session's credentials and ends any active
// broadcast.
func (inst *Instance) SignOut() {
	inst.EndBroadcast()
	h := inst.creds.Lock()
	h.Set(credentials.Credentials{})
	h.Unlock()
	inst.mu.Lock()
	inst.userInfo = stage.UserInfo{}
	inst.mu.Unlock()
}

// GetRefreshToken returns the current refresh token, or "" before sign-in.
func (inst *Instance) GetRefreshToken() string {
	return inst.creds.Snapshot().RefreshToken
}

// GetUsername returns the signed-in username, or "" before sign-in.
func (inst *Instance) GetUsername() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.userInfo.Username
}

// CanBroadcast reports whether the signed-in account is broadcast-eligible.
func (inst *Instance) CanBroadcast() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.userInfo.CanBroadcast
}

// GetSupportedGames calls GET /v1/games (§6).
func (inst *Instance) GetSupportedGames(ctx context.Context) ([]stage.GameInfo, error) {
	return inst.client.GetSupportedGames(ctx)
}

// StartBroadcast runs the Session Negotiator and brings the Broadcast
// Controller Online. onFailed is invoked at most once, off this call's
// goroutine, the first time the controller detects a fatal runtime
// condition (takeover, disconnect, or any other broadcast failure) — the
// Host API's onFailed half of StartBroadcast's callback pair; onStarted has
// no separate async step to signal in this facade, since Start already
// blocks until Online or failed.
func (inst *Instance) StartBroadcast(ctx context.Context, title string, rating Rating, gameID string, onFailed func(*caferr.Error)) *caferr.Error {
	inst.mu.Lock()
	if inst.controller != nil && inst.controller.State() != broadcast.StateOffline {
		inst.mu.Unlock()
		return caferr.New(caferr.KindAlreadyBroadcasting)
	}
	username := inst.userInfo.Username
	inst.mu.Unlock()

	if username == "" {
		return caferr.New(caferr.KindNotSignedIn)
	}

	var failureDispatched atomic.Bool
	dispatch := func(cerr *caferr.Error) {
		if onFailed == nil || !failureDispatched.CompareAndSwap(false, true) {
			return
		}
		if !inst.queue.Submit(func() { onFailed(cerr) }) {
			log.Error("failed to dispatch broadcast-failed callback: queue full")
		}
	}

	controller := broadcast.NewController(inst.client, username, dispatch)

	// Publish the controller and adapters before blocking on Start: Start
	// doesn't reach Online until the stage's first video frame has been
	// captured as a screenshot and uploaded, and that frame only arrives
	// through this Instance's own SendVideo — called, in a real host, from
	// another goroutine concurrently with this call.
	inst.aspectChecked.Store(false)
	inst.mu.Lock()
	inst.controller = controller
	inst.videoAdapt = videoadapter.New()
	inst.audioAdapt = audioadapter.New(func(pcm []byte) { inst.writeAudioChunk(pcm) })
	inst.rating = rating
	inst.onBroadcastFail = dispatch
	inst.mu.Unlock()

	if cerr := controller.Start(ctx, title); cerr != nil {
		inst.clearBroadcastState()
		return cerr
	}

	if gameID != "" {
		if cerr := controller.UpdateFeed(ctx, func(f *stage.Feed) {
			f.Content = stage.Content{ID: gameID, Type: stage.ContentTypeGame}
		}); cerr != nil {
			controller.Stop()
			inst.clearBroadcastState()
			return cerr
		}
	}

	return nil
}

// clearBroadcastState undoes StartBroadcast's early publish of the
// controller and adapters after a failed Start/gameId update, so a
// concurrently-running host feed loop stops reaching a dead controller.
func (inst *Instance) clearBroadcastState() {
	inst.mu.Lock()
	inst.controller = nil
	inst.videoAdapt = nil
	inst.audioAdapt = nil
	inst.onBroadcastFail = nil
	inst.mu.Unlock()
}

// EndBroadcast stops the active broadcast, if any. Safe to call when no
// broadcast is active.
func (inst *Instance) EndBroadcast() {
	inst.mu.Lock()
	controller := inst.controller
	inst.controller = nil
	inst.videoAdapt = nil
	inst.audioAdapt = nil
	inst.onBroadcastFail = nil
	inst.mu.Unlock()

	if controller != nil {
		controller.Stop()
	}
}

// SetTitle re-annotates the broadcast's title mid-stream (§6).
func (inst *Instance) SetTitle(ctx context.Context, title string) *caferr.Error {
	controller := inst.activeController()
	if controller == nil {
		return caferr.New(caferr.KindNotSignedIn)
	}
	return controller.UpdateStage(ctx, func(s *stage.Stage) {
		s.Title = stage.Annotate(title)
	})
}

// SetRating is accepted for Host API parity; see Rating's doc comment for
// why it has no further wire effect.
func (inst *Instance) SetRating(rating Rating) {
	inst.mu.Lock()
	inst.rating = rating
	inst.mu.Unlock()
}

// GetRating returns the rating most recently set via StartBroadcast or
// SetRating.
func (inst *Instance) GetRating() Rating {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.rating
}

// SetGameId updates the active feed's content descriptor mid-stream (§6).
func (inst *Instance) SetGameId(ctx context.Context, gameID string) *caferr.Error {
	controller := inst.activeController()
	if controller == nil {
		return caferr.New(caferr.KindNotSignedIn)
	}
	return controller.UpdateFeed(ctx, func(f *stage.Feed) {
		f.Content = stage.Content{ID: gameID, Type: stage.ContentTypeGame}
	})
}

// GetConnectionQuality is a plain read of the active feed's connection
// quality, or ConnectionQualityUnknown when not broadcasting (§4.5).
func (inst *Instance) GetConnectionQuality() stage.ConnectionQuality {
	controller := inst.activeController()
	if controller == nil {
		return stage.ConnectionQualityUnknown
	}
	return controller.ConnectionQuality()
}

func (inst *Instance) activeController() *broadcast.Controller {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.controller
}

// SendAudio accepts 16-bit stereo 48kHz PCM from the host and chunks it
// through the Audio Adapter (§4.10). A no-op before StartBroadcast.
func (inst *Instance) SendAudio(pcm []byte) {
	inst.mu.Lock()
	adapter := inst.audioAdapt
	inst.mu.Unlock()
	if adapter != nil {
		adapter.Write(pcm)
	}
}

func (inst *Instance) writeAudioChunk(pcm []byte) {
	controller := inst.activeController()
	if controller == nil {
		return
	}
	track := controller.AudioTrack()
	if track == nil {
		return
	}
	if err := track.WriteSample(media.Sample{Data: pcm, Duration: audioChunkDuration}); err != nil {
		log.Warn("audio track write failed", "error", err)
	}
}

// videoFrameInterval is the nominal frame duration attached to each sample
// written to the video track, matching the ≥32 FPS floor the Video Adapter
// enforces (§4.9).
const videoFrameInterval = 31 * time.Millisecond

// SendVideo accepts one host-captured I420 frame, applies the Video
// Adapter's FPS gate and dimension clamp (§4.9), offers it to the Screenshot
// Pipeline on its first pass through, and forwards the shaped frame's planes
// onto the video track. The actual H264 encode of those planes is the
// out-of-scope external WebRTC engine's job (§1); this call writes whatever
// payload a host-supplied encoder upstream has already produced for the
// shaped dimensions. A no-op before StartBroadcast.
func (inst *Instance) SendVideo(frame videoadapter.Frame, suggestedWidth, suggestedHeight int, now time.Time) {
	inst.mu.Lock()
	adapter := inst.videoAdapt
	controller := inst.controller
	onFail := inst.onBroadcastFail
	inst.mu.Unlock()
	if adapter == nil || controller == nil {
		return
	}

	if inst.aspectChecked.CompareAndSwap(false, true) {
		if cerr := stage.CheckAspectRatio(suggestedWidth, suggestedHeight); cerr != nil {
			log.Warn("rejecting broadcast: aspect ratio out of range", "width", suggestedWidth, "height", suggestedHeight, "kind", cerr.Kind.String())
			if onFail != nil {
				onFail(cerr)
			}
			inst.EndBroadcast()
			return
		}
	}

	if !adapter.Accept(now) {
		return
	}

	w, h := videoadapter.ClampDimensions(suggestedWidth, suggestedHeight)
	scaled := videoadapter.Scale(frame, w, h)

	controller.OfferScreenshotFrame(screenshot.Frame{
		Width: scaled.Width, Height: scaled.Height,
		Y: scaled.Y, Cb: scaled.Cb, Cr: scaled.Cr,
		YStride: scaled.YStride, CStride: scaled.CStride,
	})

	if track := controller.VideoTrack(); track != nil {
		payload := append(append(append([]byte{}, scaled.Y...), scaled.Cb...), scaled.Cr...)
		if err := track.WriteSample(media.Sample{Data: payload, Duration: videoFrameInterval}); err != nil {
			log.Warn("video track write failed", "error", err)
		}
	}
}
