// Package watcher turns start requests dropped into an inbox directory into
// tasks.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/heimdex-extraction/internal/logging"
	"github.com/heimdex/heimdex-extraction/internal/task"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Starter enqueues a validated request.
type Starter interface {
	Start(ctx context.Context, req task.Request) (*task.Task, *task.Execution, error)
}

// Inbox watches a directory for *.json start requests. Each request file is
// moved to processed/ once its task is queued, or to failed/ next to a .err
// file holding the reason.
type Inbox struct {
	dir       string
	starter   Starter
	logger    *slog.Logger
	onStarted func(t *task.Task)

	// settle is how long a file's size must stay unchanged before it is read.
	settle  time.Duration
	maxWait time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
}

func NewInbox(dir string, starter Starter, logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:     dir,
		starter: starter,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "inbox"),
		settle:  500 * time.Millisecond,
		maxWait: 30 * time.Second,
	}
}

// OnStarted registers a callback run after each queued task.
func (in *Inbox) OnStarted(fn func(t *task.Task)) {
	in.onStarted = fn
}

// Watch creates the inbox layout, processes requests already waiting and
// then handles new ones until ctx is cancelled or Stop is called.
func (in *Inbox) Watch(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.watching {
		return fmt.Errorf("inbox %s is already watched", in.dir)
	}

	for _, d := range []string{in.dir, filepath.Join(in.dir, ProcessedDir), filepath.Join(in.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(in.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	in.watcher = w
	in.stopCh = make(chan struct{})
	in.watching = true

	in.wg.Add(1)
	go in.loop(ctx)

	in.logger.Info("inbox watcher started", "dir", in.dir)
	return nil
}

// Stop ends the watch loop and waits for the request in progress.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.watching {
		return nil
	}

	close(in.stopCh)
	err := in.watcher.Close()
	in.wg.Wait()
	in.watching = false

	in.logger.Info("inbox watcher stopped")
	return err
}

func (in *Inbox) loop(ctx context.Context) {
	defer in.wg.Done()

	in.processExisting(ctx)

	for {
		select {
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isRequestFile(event.Name) {
				continue
			}
			in.handle(ctx, event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Error("inbox watcher error", "error", err)

		case <-in.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (in *Inbox) processExisting(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Warn("failed to scan inbox", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isRequestFile(e.Name()) {
			continue
		}
		in.handle(ctx, filepath.Join(in.dir, e.Name()))
	}
}

func (in *Inbox) handle(ctx context.Context, path string) {
	if err := in.waitForFileReady(ctx, path); err != nil {
		// Create and Write both fire for one file; the later event finds it gone.
		if !os.IsNotExist(err) {
			in.logger.Warn("inbox file not ready", "file", filepath.Base(path), "error", err)
		}
		return
	}
	if err := in.ProcessFile(ctx, path); err != nil {
		in.logger.Warn("inbox request rejected", "file", filepath.Base(path), "error", err)
	}
}

// ProcessFile starts the task described by path and files the request away.
// The returned error is the reason the request was rejected.
func (in *Inbox) ProcessFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	req, err := task.DecodeRequest(f)
	f.Close()

	var t *task.Task
	if err == nil {
		t, _, err = in.starter.Start(ctx, req)
	}

	if err != nil {
		if mvErr := in.move(path, FailedDir); mvErr != nil {
			in.logger.Error("failed to move rejected request", "file", filepath.Base(path), "error", mvErr)
		}
		errPath := filepath.Join(in.dir, FailedDir, filepath.Base(path)+".err")
		if wErr := os.WriteFile(errPath, []byte(err.Error()+"\n"), 0644); wErr != nil {
			in.logger.Error("failed to write rejection reason", "file", filepath.Base(path), "error", wErr)
		}
		return err
	}

	if mvErr := in.move(path, ProcessedDir); mvErr != nil {
		in.logger.Error("failed to move processed request", "file", filepath.Base(path), "error", mvErr)
	}
	logging.WithTaskID(in.logger, t.ID).Info("task queued from inbox", "file", filepath.Base(path))
	if in.onStarted != nil {
		in.onStarted(t)
	}
	return nil
}

func (in *Inbox) move(path, sub string) error {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(dst, ext), time.Now().UnixNano(), ext)
	}
	return os.Rename(path, dst)
}

// waitForFileReady returns once the file size has been stable for one
// settle interval.
func (in *Inbox) waitForFileReady(ctx context.Context, path string) error {
	timeout := time.After(in.maxWait)
	var lastSize int64 = -1

	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if size := info.Size(); size == lastSize && size > 0 {
			return nil
		} else {
			lastSize = size
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("file %s still changing after %s", filepath.Base(path), in.maxWait)
		case <-time.After(in.settle):
		}
	}
}

func isRequestFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}
