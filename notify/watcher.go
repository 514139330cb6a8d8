package notify

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher signals growth of one user's inbox document without rereading
// it. Same-host panels can block on Events instead of polling; remote
// panels still poll the document's modification time.
type Watcher struct {
	username string
	service  *Service
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	events chan struct{}

	mu      sync.Mutex
	pending bool

	done chan struct{}
	once sync.Once
}

// NewWatcher creates a watcher for one user's inbox. The inbox directory
// is created if missing so the watch has something to attach to.
func NewWatcher(service *Service, username string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	inboxDir := filepath.Dir(service.InboxPath(username))
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(inboxDir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		username: username,
		service:  service,
		watcher:  fw,
		logger:   logger,
		debounce: debounce,
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Events delivers one signal per debounced batch of inbox changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	inboxName := InboxFile
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// The store writes via temp + rename, so the interesting
			// events are Create/Rename of the inbox document itself.
			if filepath.Base(event.Name) != inboxName && !strings.Contains(event.Name, inboxName) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if !w.pending {
				w.pending = true
				timer.Reset(w.debounce)
			}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Inbox watch error",
				slog.String("username", w.username), slog.String("error", err.Error()))
		case <-timer.C:
			w.mu.Lock()
			w.pending = false
			w.mu.Unlock()
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}

// WaitForChange blocks until the inbox changes, the context expires, or
// the watcher closes.
func (w *Watcher) WaitForChange(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return context.Canceled
	case <-w.events:
		return nil
	}
}
