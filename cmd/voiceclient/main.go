package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/ent0n29/companion-voice/internal/app"
	"github.com/ent0n29/companion-voice/internal/audio"
	"github.com/ent0n29/companion-voice/internal/config"
	"github.com/ent0n29/companion-voice/internal/protocol"
)

func main() {
	cmd := kingpin.New("voiceclient", "Realtime voice conversation client.")
	envFile := cmd.Flag("env-file", "Dotenv file loaded before reading the environment.").
		Default(".env").
		String()

	serveCmd := cmd.Command("serve", "Run the local control API.").Default()

	talkCmd := cmd.Command("talk", "Hold one conversation from the terminal; Ctrl-C ends it.")
	talkPersonality := talkCmd.Flag("personality", "Personality id to converse with.").
		Short('p').
		Required().
		String()

	micCmd := cmd.Command("mic-test", "Capture from the configured microphone into a WAV file.")
	micDuration := micCmd.Flag("duration", "How long to record.").
		Default("5s").
		Duration()
	micOut := micCmd.Arg("out", "Output WAV path.").
		Default("mic-test.wav").
		String()

	selected := kingpin.MustParse(cmd.Parse(os.Args[1:]))

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: config error: %v\n", err)
		os.Exit(2)
	}
	logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch selected {
	case serveCmd.FullCommand():
		err = serve(ctx, cfg, logger)
	case talkCmd.FullCommand():
		err = talk(ctx, cfg, logger, *talkPersonality)
	case micCmd.FullCommand():
		err = micTest(ctx, cfg, logger, *micDuration, *micOut)
	}
	if err != nil {
		logger.Error("voiceclient failed", zap.String("command", selected), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-listenErr:
		if err != nil {
			_ = built.Cleanup(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn("resource cleanup failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func talk(ctx context.Context, cfg config.Config, logger *zap.Logger, personalityID string) error {
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := built.Cleanup(cleanupCtx); err != nil {
			logger.Warn("resource cleanup failed", zap.Error(err))
		}
	}()

	lost := make(chan struct{})
	var lostOnce sync.Once
	var outMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	onEvent := func(e protocol.Event) {
		outMu.Lock()
		_ = enc.Encode(e)
		outMu.Unlock()
		if e.EventType() == protocol.EventConnectionLost {
			lostOnce.Do(func() { close(lost) })
		}
	}

	if !built.Client.Connect(ctx, personalityID, onEvent) {
		return errors.New("could not start the conversation")
	}
	logger.Info("conversation started; press Ctrl-C to end", zap.String("session_id", built.Client.SessionID()))

	select {
	case <-ctx.Done():
	case <-lost:
	}
	return nil
}

func micTest(ctx context.Context, cfg config.Config, logger *zap.Logger, duration time.Duration, out string) error {
	source, capture := app.NewAudioSource(cfg)
	pipeline := audio.NewPipeline(source, logger.Named("audio"))

	var (
		mu     sync.Mutex
		pcm    []byte
		chunks int
	)
	err := pipeline.Start(ctx, func(chunk []byte) {
		mu.Lock()
		pcm = append(pcm, chunk...)
		chunks++
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	logger.Info("recording", zap.Duration("duration", duration), zap.String("out", out))
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
	pipeline.Stop()

	mu.Lock()
	defer mu.Unlock()
	if err := audio.WriteWAVFile(out, pcm, capture); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logger.Info("recording saved",
		zap.String("out", out),
		zap.Int("chunks", chunks),
		zap.Int("bytes", len(pcm)))
	return nil
}
