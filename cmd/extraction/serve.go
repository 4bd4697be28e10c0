package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-extraction/internal/api"
	"github.com/heimdex/heimdex-extraction/internal/cloud"
	"github.com/heimdex/heimdex-extraction/internal/pipeline"
	"github.com/heimdex/heimdex-extraction/internal/pipelines"
	"github.com/heimdex/heimdex-extraction/internal/playback"
	"github.com/heimdex/heimdex-extraction/internal/similarity"
	"github.com/heimdex/heimdex-extraction/internal/task"
	"github.com/heimdex/heimdex-extraction/internal/ui"
	"github.com/heimdex/heimdex-extraction/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task runner and local API until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("starting heimdex extraction", "version", Version, "data_dir", cfg.DataDir)

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	authToken, err := ensureAuthToken(ctx, st.repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}
	printBanner(cfg.Server.Port, authToken)

	svc := task.NewService(st.repo, logger)

	clients := cloud.New(cfg, logger)
	defer clients.Close()

	backends := similarity.Backends{
		Embedding: similarity.NewEmbeddingBackend(clients.Embedding, cfg.Similarity.CacheTTL),
		Feature:   similarity.NewFeatureBackend(cfg.Similarity.FeatureMaxKeypoints, cfg.Similarity.CacheTTL),
	}

	var ffmpeg pipeline.FFmpeg
	scenes := pipeline.FallbackScenes{Logger: logger}
	if exe, err := pipeline.NewExecutor(cfg.Pipeline.SceneThreshold, logger); err != nil {
		logger.Warn("ffmpeg unavailable, media stages will fail", "error", err)
		stub := pipeline.NewStubFFmpeg(logger)
		ffmpeg, scenes.Secondary = stub, stub
	} else {
		ffmpeg, scenes.Secondary = exe, exe
	}

	pipeRunner, doctor := newPipelines(ctx, cfg, logger)
	if pipeRunner != nil {
		scenes.Primary = pipelines.NewSceneDetector(pipeRunner, doctor, cfg.Pipeline.SceneThreshold)
	}

	transcriber, closeTranscriber := newTranscriber(cfg, clients, pipeRunner, doctor, logger)
	defer closeTranscriber()

	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Repo:        st.repo,
		Blobs:       st.blobs,
		FFmpeg:      ffmpeg,
		Scenes:      scenes,
		Backends:    backends,
		Inference:   clients.Inference,
		Embedding:   clients.Embedding,
		Defaults:    clients.Defaults,
		Vectors:     st.vectors,
		Transcriber: transcriber,
		Config:      cfg,
		Logger:      logger,
	})

	runner := pipeline.NewRunner(st.repo, orchestrator, cfg.Scheduler.PollInterval, logger)
	runnerDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(runnerDone)
	}()

	listener := pipeline.NewListener(st.repo, st.blobs, transcriber, cfg, logger)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop()

	deleter := pipeline.NewDeleter(st.repo, st.blobs, st.vectors, transcriber, cfg.WorkDir(), cfg.Transcription.JobPrefix, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Server.Port,
		Tasks:      svc,
		Repository: st.repo,
		Deleter:    deleter,
		Runner:     runner,
		Progress:   orchestrator,
		Doctor:     doctor,
		Blobs:      st.blobs,
		Playback:   playback.NewServer(st.blobs, logger),
		Vectors:    st.vectors,
		Embedder:   clients.Embedding,
		Logger:     logger,
		StartTime:  startTime,
		Version:    Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	var openInbox func() error
	if cfg.Inbox.Enabled {
		inbox := watcher.NewInbox(cfg.InboxDir(), svc, logger)
		inbox.OnStarted(func(*task.Task) { runner.Wake() })
		if err := inbox.Watch(ctx); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		defer inbox.Stop()
		openInbox = func() error { return openFolder(cfg.InboxDir()) }
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	quit := sync.OnceFunc(func() { close(quitCh) })

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case <-quitCh:
		}
	}()

	var tray *ui.Tray
	if cfg.Server.Headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray = ui.NewTray(ui.TrayConfig{
			Runner:      runner,
			Logger:      logger,
			OnOpenInbox: openInbox,
			OnQuit:      quit,
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	if tray != nil {
		tray.Quit()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("task runner did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}

func printBanner(port int, authToken string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 HEIMDEX EXTRACTION v%-21s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", port)
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func openFolder(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	return cmd.Start()
}
