package ui

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/systray"
)

// Controller is the part of the task runner the tray drives.
type Controller interface {
	Pause()
	Resume()
	IsPaused() bool
	ActiveTasks() map[string]string
}

type Tray struct {
	runner  Controller
	logger  *slog.Logger
	refresh time.Duration

	statusItem *systray.MenuItem
	tasksItem  *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu   sync.Mutex
	done chan struct{}

	onOpenInbox func() error
	onQuit      func()
}

type TrayConfig struct {
	Runner      Controller
	Logger      *slog.Logger
	Refresh     time.Duration
	OnOpenInbox func() error
	OnQuit      func()
}

func NewTray(cfg TrayConfig) *Tray {
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &Tray{
		runner:      cfg.Runner,
		logger:      cfg.Logger,
		refresh:     refresh,
		onOpenInbox: cfg.OnOpenInbox,
		onQuit:      cfg.OnQuit,
		done:        make(chan struct{}),
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Extraction")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current runner status")
	t.statusItem.Disable()

	t.tasksItem = systray.AddMenuItem("No active tasks", "Tasks being processed")
	t.tasksItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause task processing")

	var inboxItem *systray.MenuItem
	if t.onOpenInbox != nil {
		inboxItem = systray.AddMenuItem("Open Inbox", "Open the request inbox folder")
	} else {
		inboxItem = systray.AddMenuItem("Open Inbox", "Inbox is disabled")
		inboxItem.Disable()
	}

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Extraction")

	go func() {
		ticker := time.NewTicker(t.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.UpdateStatus()
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-inboxItem.ClickedCh:
				t.handleOpenInbox()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			case <-t.done:
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
	}
	t.render()
}

func (t *Tray) handleOpenInbox() {
	if t.onOpenInbox != nil {
		if err := t.onOpenInbox(); err != nil {
			t.logger.Error("failed to open inbox", "error", err)
		}
	}
}

// UpdateStatus refreshes the status lines from the runner.
func (t *Tray) UpdateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.render()
}

func (t *Tray) render() {
	if t.runner == nil || t.statusItem == nil {
		return
	}
	active := t.runner.ActiveTasks()
	t.statusItem.SetTitle("Status: " + statusText(t.runner.IsPaused(), active))
	t.tasksItem.SetTitle(tasksText(active))
}

func (t *Tray) Quit() {
	t.mu.Lock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.mu.Unlock()
	systray.Quit()
}

func statusText(paused bool, active map[string]string) string {
	switch {
	case paused && len(active) > 0:
		return "Pausing"
	case paused:
		return "Paused"
	case len(active) > 0:
		return "Processing"
	default:
		return "Idle"
	}
}

// tasksText lists active tasks as "type: id" in type order.
func tasksText(active map[string]string) string {
	if len(active) == 0 {
		return "No active tasks"
	}
	types := make([]string, 0, len(active))
	for typ := range active {
		types = append(types, typ)
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, typ := range types {
		parts = append(parts, fmt.Sprintf("%s: %s", typ, active[typ]))
	}
	return strings.Join(parts, ", ")
}
