// Command caffeine-demo is a small host simulator: it signs in, starts a
// broadcast, feeds it synthetic audio/video at a fixed rate, and stops on
// signal — exercising the Instance Facade the way a real host application
// would, end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/logging"
	"github.com/caffeinetv/libcaffeine-go/internal/videoadapter"
	"github.com/caffeinetv/libcaffeine-go/pkg/caffeine"
	"github.com/spf13/cobra"
)

const (
	clientType    = "caffeine-demo"
	clientVersion = "0.1.0"
	libVersion    = "0.1.0"
)

var (
	username string
	password string
	otp      string
	title    string
	gameID   string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "caffeine-demo",
	Short: "Host simulator for the libcaffeine-go control plane",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Check this client's version against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := caffeine.New(clientType, clientVersion, libVersion)
		if err != nil {
			return err
		}
		defer inst.Close()
		if cerr := inst.CheckVersion(cmd.Context()); cerr != nil {
			return fmt.Errorf("version check: %w", cerr)
		}
		fmt.Println("version ok")
		return nil
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Sign in and run a broadcast until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroadcast(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "account username")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "account password")
	rootCmd.PersistentFlags().StringVar(&otp, "otp", "", "MFA one-time password, if required")
	broadcastCmd.Flags().StringVar(&title, "title", "demo broadcast", "broadcast title")
	broadcastCmd.Flags().StringVar(&gameID, "game-id", "", "optional supported-game id")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(broadcastCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBroadcast(ctx context.Context) error {
	if username == "" || password == "" {
		return fmt.Errorf("--username and --password are required")
	}

	inst, err := caffeine.New(clientType, clientVersion, libVersion)
	if err != nil {
		return fmt.Errorf("caffeine.New: %w", err)
	}
	defer inst.Close()

	if cerr := inst.SignIn(ctx, username, password, otp); cerr != nil {
		if cerr.Kind == caferr.KindMFAOTPRequired {
			return fmt.Errorf("sign-in requires --otp")
		}
		return fmt.Errorf("sign-in: %w", cerr)
	}
	log.Info("signed in", "username", inst.GetUsername(), "canBroadcast", inst.CanBroadcast())

	failed := make(chan *caferr.Error, 1)
	onFailed := func(cerr *caferr.Error) {
		select {
		case failed <- cerr:
		default:
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// StartBroadcast blocks until the stage's first video frame has been
	// captured as a thumbnail and the feed echoed back live, so the
	// synthetic feed has to be running concurrently with it, not after —
	// SendVideo/SendAudio are no-ops until StartBroadcast has published the
	// controller, which happens before that block, not after it.
	stopFeeding := feedSyntheticMedia(inst)
	defer stopFeeding()

	started := make(chan *caferr.Error, 1)
	go func() { started <- inst.StartBroadcast(ctx, title, caffeine.RatingEveryone, gameID, onFailed) }()

	select {
	case cerr := <-started:
		if cerr != nil {
			return fmt.Errorf("start broadcast: %w", cerr)
		}
	case <-sigChan:
		log.Info("shutting down on signal before broadcast finished starting")
		return nil
	}
	log.Info("broadcast started", "title", title)

	select {
	case <-sigChan:
		log.Info("shutting down on signal")
	case cerr := <-failed:
		log.Error("broadcast failed", "kind", cerr.Kind.String())
	}

	inst.EndBroadcast()
	return nil
}

// feedSyntheticMedia pushes a fixed-rate stream of silent audio and a flat
// gray video frame through SendAudio/SendVideo, the way a host's real
// capture pipeline would, and returns a stop function.
func feedSyntheticMedia(inst *caffeine.Instance) func() {
	const audioChunkBytes = 480 * 2 * 2 // 10ms @ 48kHz, 16-bit stereo
	silence := make([]byte, audioChunkBytes)

	frame := videoadapter.Frame{
		Width: 1280, Height: 720,
		Y:       grayPlane(1280 * 720),
		Cb:      grayPlane(640 * 360),
		Cr:      grayPlane(640 * 360),
		YStride: 1280, CStride: 640,
	}

	stop := make(chan struct{})
	go func() {
		audioTick := time.NewTicker(10 * time.Millisecond)
		videoTick := time.NewTicker(31 * time.Millisecond)
		defer audioTick.Stop()
		defer videoTick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-audioTick.C:
				inst.SendAudio(silence)
			case now := <-videoTick.C:
				inst.SendVideo(frame, frame.Width, frame.Height, now)
			}
		}
	}()

	return func() { close(stop) }
}

func grayPlane(n int) []byte {
	plane := make([]byte, n)
	for i := range plane {
		plane[i] = 128
	}
	return plane
}
