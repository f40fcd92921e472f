package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/voicerag/voicerag-go/internal/dotenv"
	"github.com/voicerag/voicerag-go/pkg/core/audio"
	"github.com/voicerag/voicerag-go/pkg/core/rtc"
	voicerag "github.com/voicerag/voicerag-go/sdk"
)

const renderInterval = 200 * time.Millisecond

func main() {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "voicerag-chat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicerag-chat: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "voicerag-chat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg chatConfig, in io.Reader, out, errOut io.Writer) error {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	client := voicerag.NewClient(
		voicerag.WithBackendURL(cfg.BackendURL),
		voicerag.WithLogger(logger),
	)

	if cfg.UploadPath != "" {
		if err := uploadDocument(ctx, client, cfg, out); err != nil {
			return err
		}
	}

	mintCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	grant, err := client.Token.Mint(mintCtx, voicerag.MintRequest{Room: cfg.Room, ParticipantName: cfg.Name})
	cancel()
	if err != nil {
		return fmt.Errorf("mint join token: %w", err)
	}
	fmt.Fprintf(out, "joining %s as %s\n", grant.ServerURL, grant.Identity)

	output, err := audio.NewPCMOutput(audio.PCMOutputConfig{
		SampleRateHz: playbackSampleRateHz,
		MinBufferMs:  cfg.MinBufferMs,
		NewWriter:    newFFplayWriter,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	// The facade hides the transport; keep a handle on the dialed room so the
	// mic pump can publish capture frames.
	var roomMu sync.Mutex
	var liveRoom *rtc.WSRoom
	dialer := func(ctx context.Context, endpoint, credential string) (rtc.Room, error) {
		room, err := rtc.Dial(ctx, endpoint, credential, rtc.DialOptions{ClientName: "voicerag-chat", Logger: logger})
		if err != nil {
			return nil, err
		}
		roomMu.Lock()
		liveRoom = room
		roomMu.Unlock()
		return room, nil
	}

	call, err := client.Calls.Join(ctx, voicerag.JoinRequest{
		Credential:  grant.ParticipantToken,
		Endpoint:    grant.ServerURL,
		Output:      output,
		DedupWindow: cfg.DedupWindow,
		Dialer:      dialer,
	})
	if err != nil {
		return err
	}
	defer call.EndCall()

	mic, err := newFFmpegMicCapture()
	if err != nil {
		fmt.Fprintf(errOut, "mic capture unavailable: %v\n", err)
	} else {
		defer mic.Close()
		go pumpMic(call, mic, &roomMu, &liveRoom, logger)
	}

	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()
	go renderLoop(renderCtx, call, out)

	go func() {
		<-ctx.Done()
		call.EndCall()
	}()

	fmt.Fprintln(out, "commands: mic on | mic off | status | sources | quit")
	go commandLoop(in, call, out, errOut)

	<-call.Done()
	stopRender()
	if err := call.Err(); err != nil {
		return fmt.Errorf("call ended: %w", err)
	}
	fmt.Fprintln(out, "call ended")
	return nil
}

func uploadDocument(ctx context.Context, client *voicerag.Client, cfg chatConfig, out io.Writer) error {
	file, err := os.Open(cfg.UploadPath)
	if err != nil {
		return fmt.Errorf("open upload document: %w", err)
	}
	defer file.Close()

	uploadCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	result, err := client.Docs.Upload(uploadCtx, filepath.Base(cfg.UploadPath), file)
	if err != nil {
		return fmt.Errorf("upload document: %w", err)
	}
	fmt.Fprintf(out, "uploaded %s (%s)\n", result.Filename, result.Status)
	return nil
}

// pumpMic reads capture frames from ffmpeg and publishes them while the mic
// is enabled. Frames read while the mic is off are discarded so the capture
// pipeline never backs up.
func pumpMic(call *voicerag.Call, mic *ffmpegMicCapture, roomMu *sync.Mutex, liveRoom **rtc.WSRoom, logger *slog.Logger) {
	buf := make([]byte, micFrameBytes)
	for {
		n, readErr := mic.Read(buf)
		if n > 0 && call.View().MicEnabled {
			roomMu.Lock()
			room := *liveRoom
			roomMu.Unlock()
			if room != nil {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				if err := room.SendAudioFrame(frame); err != nil {
					logger.Debug("mic frame dropped", "error", err)
				}
			}
		}
		if readErr != nil {
			return
		}
	}
}

// renderLoop prints transcript lines, citation updates, and presence changes
// as the reconciled view evolves.
func renderLoop(ctx context.Context, call *voicerag.Call, out io.Writer) {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	var printed int
	var lastPresence string
	var lastCitations string
	for {
		select {
		case <-ctx.Done():
			return
		case <-call.Done():
			return
		case <-ticker.C:
		}

		view := call.View()
		if view.Presence != lastPresence && view.Presence != "" {
			fmt.Fprintf(out, "[assistant: %s]\n", view.Presence)
			lastPresence = view.Presence
		}
		for ; printed < len(view.Transcript); printed++ {
			entry := view.Transcript[printed]
			label := "assistant"
			if entry.Speaker == voicerag.SpeakerLocal {
				label = "you"
			}
			fmt.Fprintf(out, "%s: %s\n", label, entry.Text)
		}
		if joined := strings.Join(view.Citations, ", "); joined != lastCitations {
			if joined != "" {
				fmt.Fprintf(out, "[sources: %s]\n", joined)
			}
			lastCitations = joined
		}
	}
}

func commandLoop(in io.Reader, call *voicerag.Call, out, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		switch line {
		case "":
		case "mic on":
			if err := call.EnableMic(); err != nil {
				fmt.Fprintf(errOut, "mic error: %v\n", err)
			} else {
				fmt.Fprintln(out, "mic enabled")
			}
		case "mic off":
			call.DisableMic()
			fmt.Fprintln(out, "mic disabled")
		case "status":
			view := call.View()
			fmt.Fprintf(out, "state=%s presence=%s mic=%v sources=%d\n",
				view.State, view.Presence, view.MicEnabled, len(view.Citations))
		case "sources":
			view := call.View()
			if len(view.Citations) == 0 {
				fmt.Fprintln(out, "no sources yet")
				continue
			}
			for i, source := range view.Citations {
				fmt.Fprintf(out, "%d. %s\n", i+1, source)
			}
		case "quit", "exit":
			call.EndCall()
			return
		default:
			fmt.Fprintln(out, "commands: mic on | mic off | status | sources | quit")
		}
	}
	call.EndCall()
}
