package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bosley/voxlink/api"
	"github.com/bosley/voxlink/capture"
	"github.com/bosley/voxlink/catalog"
	voxcli "github.com/bosley/voxlink/client"
	"github.com/bosley/voxlink/config"
	voxserv "github.com/bosley/voxlink/server"
	"github.com/bosley/voxlink/sessionid"
	"github.com/bosley/voxlink/transcript"
	"github.com/bosley/voxlink/transport"
)

// Recordings shorter than this are not worth keeping.
const minRecording = 1 * time.Second

func main() {
	configFile := flag.String("config", "voxlink.yaml", "Path to YAML config file")
	backendURL := flag.String("backend", "", "Backend base URL (overrides config)")
	streamMode := flag.Bool("stream", false, "Stream microphone audio and print live transcripts")
	replayFile := flag.String("replay", "", "Stream a 16kHz WAV file instead of the microphone")
	serveMode := flag.Bool("serve", false, "Run the loopback development backend")
	echoMode := flag.Bool("echo", false, "Record a clip, send it to the echo endpoint and play the reply")
	chatMode := flag.Bool("chat", false, "Record a clip, send it to the agent and play the reply")
	queryMode := flag.Bool("query", false, "Record a spoken question, send it to the LLM and play the answer")
	uploadMode := flag.Bool("upload", false, "Record a clip and upload it, reporting what the backend received")
	transcribeMode := flag.Bool("transcribe", false, "Record a clip and print its transcription")
	ttsText := flag.String("tts", "", "Speak the given text through the backend")
	playFile := flag.String("play", "", "Play audio file")
	sessionFlag := flag.String("session", "", "Session ID to use instead of the stored one")
	insecureMode := flag.Bool("insecure", false, "Enable insecure mode (skip certificate verification)")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", capture.DefaultDevice, "Audio input device ID from -list-devices (-1 for the default input)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}
	if *insecureMode {
		cfg.Backend.Insecure = true
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "device" {
			cfg.Audio.Device = *deviceID
		}
	})
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	switch {
	case *listDevices:
		err = printDevices()
	case *playFile != "":
		err = voxcli.PlayFile(ctx, *playFile)
	case *serveMode:
		err = serve(ctx, cfg)
	case *streamMode:
		err = stream(ctx, cfg, *sessionFlag, *replayFile)
	case *echoMode:
		err = converse(ctx, cfg, *sessionFlag, echoClip)
	case *chatMode:
		err = converse(ctx, cfg, *sessionFlag, chatClip)
	case *queryMode:
		err = converse(ctx, cfg, *sessionFlag, queryClip)
	case *uploadMode:
		err = converse(ctx, cfg, *sessionFlag, uploadClip)
	case *transcribeMode:
		err = converse(ctx, cfg, *sessionFlag, transcribeClip)
	case *ttsText != "":
		err = speak(ctx, cfg, *ttsText)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
	slog.Debug("Program exiting")
}

func printDevices() error {
	devices, err := capture.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list audio devices: %w", err)
	}

	fmt.Println("Available audio input devices:")
	for _, device := range devices {
		fmt.Printf("[%d] %s\n", device.Index, device.Name)
		fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
		fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
		fmt.Println()
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	cat, err := catalog.New(catalog.Config{
		RecordingsDir: cfg.Server.RecordingsDir,
		Workers:       cfg.Server.Workers,
	})
	if err != nil {
		return err
	}
	if err := cat.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := cat.Stop(); err != nil {
			slog.Error("Failed to stop catalog", "error", err)
		}
	}()

	srv := voxserv.New(voxserv.Config{
		Addr:          cfg.Server.Addr,
		RecordingsDir: cfg.Server.RecordingsDir,
		CertFile:      cfg.Server.CertFile,
		KeyFile:       cfg.Server.KeyFile,
		EndMarker:     endMarker(cfg),
		MinDuration:   minRecording,
	}, cat)
	return srv.Run(ctx)
}

func endMarker(cfg *config.Config) []byte {
	if cfg.Backend.EndMarker == "" {
		return nil
	}
	return []byte(cfg.Backend.EndMarker)
}

func sessionLocation(cfg *config.Config, override string) sessionid.Location {
	if override != "" {
		return sessionid.Fixed(override)
	}
	return sessionid.FileLocation{Path: cfg.Session.File}
}

func stream(ctx context.Context, cfg *config.Config, sessionOverride, replay string) error {
	sessionID, err := sessionid.Ensure(sessionLocation(cfg, sessionOverride))
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	endpoint, err := cfg.StreamEndpoint(sessionID)
	if err != nil {
		return err
	}
	tlsConfig, err := transport.TLSConfig(cfg.Backend.Insecure, cfg.Backend.CACert)
	if err != nil {
		return err
	}

	ended := make(chan struct{}, 1)
	var streamer *voxcli.Streamer

	var source capture.Source = capture.PortAudio{}
	if replay != "" {
		source = capture.WAVFile{
			Path:     replay,
			Realtime: true,
			OnEOF:    func() { streamer.Stop() },
		}
	}

	streamer = voxcli.NewStreamer(voxcli.StreamerConfig{
		Source: source,
		Params: capture.Params{
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			Device:          cfg.Audio.Device,
		},
		Dialer:    transport.WebSocketDialer{TLSConfig: tlsConfig},
		URL:       endpoint,
		EndMarker: endMarker(cfg),
		Presenter: transcript.NewPresenter(&transcript.Terminal{W: os.Stdout}),
		Status: func(status string) {
			fmt.Fprintf(os.Stderr, "[%s]\n", status)
		},
		OnIdle: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go streamer.Run(runCtx)

	slog.Info("Streaming", "sessionID", sessionID, "endpoint", endpoint)
	streamer.Start()
	fmt.Fprintln(os.Stderr, "Press Enter to stop")

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	select {
	case <-ended:
	case <-enter:
		streamer.Stop()
	case <-ctx.Done():
		streamer.Stop()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := streamer.WaitIdle(waitCtx); err != nil {
		return fmt.Errorf("session did not shut down: %w", err)
	}

	if finals := streamer.Presenter().Finals(); len(finals) > 0 {
		slog.Info("Session transcript", "turns", len(finals), "text", strings.Join(finals, " "))
	}
	return nil
}

func apiClient(cfg *config.Config) (*api.Client, error) {
	tlsConfig, err := transport.TLSConfig(cfg.Backend.Insecure, cfg.Backend.CACert)
	if err != nil {
		return nil, err
	}
	client := api.New(cfg.Backend.URL)
	client.HTTP.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	return client, nil
}

type clipMode int

const (
	echoClip clipMode = iota
	chatClip
	queryClip
	uploadClip
	transcribeClip
)

// converse records one clip, with p to pause and resume, sends it to the
// endpoint for mode and plays any spoken reply.
func converse(ctx context.Context, cfg *config.Config, sessionOverride string, mode clipMode) error {
	client, err := apiClient(cfg)
	if err != nil {
		return err
	}

	recorder := &voxcli.Recorder{
		Source: capture.PortAudio{},
		Params: capture.Params{
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			Device:          cfg.Audio.Device,
		},
	}
	clip, err := recorder.Capture(ctx, os.Stdin, func(status string) {
		fmt.Fprintf(os.Stderr, "[%s]\n", status)
	})
	if err != nil {
		return err
	}
	data, err := clip.WAV()
	if err != nil {
		return err
	}
	slog.Info("Sending recording", "duration", clip.Duration(), "bytes", len(data))

	var audioURL string
	switch mode {
	case chatClip:
		sessionID, err := sessionid.Ensure(sessionLocation(cfg, sessionOverride))
		if err != nil {
			return fmt.Errorf("failed to resolve session: %w", err)
		}
		resp, err := client.AgentChat(ctx, sessionID, data)
		if errors.Is(err, api.ErrServiceUnavailable) && resp != nil {
			slog.Warn("Agent unavailable, playing fallback", "error", err)
		} else if err != nil {
			return err
		}
		fmt.Printf("You: %s\nAgent: %s\n", resp.TranscribedText, resp.LLMResponse)
		audioURL = resp.AudioURL

	case queryClip:
		resp, err := client.LLMQuery(ctx, data)
		if errors.Is(err, api.ErrServiceUnavailable) && resp != nil {
			slog.Warn("LLM unavailable, playing fallback", "error", err)
		} else if err != nil {
			return err
		}
		fmt.Printf("You: %s\nAnswer: %s\n", resp.TranscribedText, resp.LLMResponse)
		audioURL = resp.AudioURL

	case uploadClip:
		resp, err := client.UploadAudio(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("Upload successful\nFile: %s\nType: %s\nSize: %d bytes\n", resp.Filename, resp.ContentType, resp.Size)

	case transcribeClip:
		resp, err := client.TranscribeFile(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("Transcription: %s\n", resp.Transcription)

	default:
		resp, err := client.Echo(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("Heard: %s\n", resp.Transcription)
		audioURL = resp.AudioURL
	}

	if audioURL == "" {
		return nil
	}
	return voxcli.PlayURL(ctx, client.HTTP, client.ResolveURL(audioURL))
}

func speak(ctx context.Context, cfg *config.Config, text string) error {
	client, err := apiClient(cfg)
	if err != nil {
		return err
	}
	resp, err := client.GenerateAudio(ctx, cfg.SpeechRequest(text))
	if err != nil {
		return err
	}
	return voxcli.PlayURL(ctx, client.HTTP, client.ResolveURL(resp.AudioURL))
}
