// Package inbox lets other processes send a message to a project's chat by
// dropping a file into a watched directory. Each file is handed to the
// mailbox and removed.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

const (
	fileExt    = ".json"
	rejectExt  = ".rejected"
	debounceIn = 50 * time.Millisecond
)

// Item is the on-disk form of a dropped message.
type Item struct {
	ProjectID types.ProjectID `json:"projectId"`
	Content   string          `json:"content"`
}

// Drop writes a message for projectID into dir and returns the file path.
// The file appears atomically so a watcher never reads a partial item.
func Drop(dir string, id types.ProjectID, content string) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("invalid project id %d", id)
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty message")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox dir: %w", err)
	}

	data, err := json.Marshal(Item{ProjectID: id, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}

	// Names sort in drop order.
	name := fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write item: %w", err)
	}
	path := filepath.Join(dir, name+fileExt)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename item: %w", err)
	}
	return path, nil
}

// Watcher feeds dropped files into a mailbox.
type Watcher struct {
	dir     string
	mailbox *session.Mailbox
	logger  *slog.Logger

	mu       sync.Mutex
	debounce *time.Timer
	pending  chan struct{}
}

func NewWatcher(dir string, mailbox *session.Mailbox, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		mailbox: mailbox,
		logger:  logger.With("inbox", dir),
		pending: make(chan struct{}, 1),
	}
}

// Run watches the directory until ctx is cancelled. Items already present
// when Run starts are delivered first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	defer w.stopDebounce()

	w.Scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isItem(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case <-w.pending:
			w.Scan()
		}
	}
}

// schedule coalesces bursts of events into one scan.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceIn, func() {
		select {
		case w.pending <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}

// Scan delivers every item in the directory in drop order and returns how
// many were queued. The mailbox keeps only the last one.
func (w *Watcher) Scan() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to read inbox", "error", err)
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isItem(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	queued := 0
	for _, name := range names {
		path := filepath.Join(w.dir, name)
		item, err := readItem(path)
		if err != nil {
			w.logger.Warn("rejecting inbox item", "file", name, "error", err)
			if err := os.Rename(path, path+rejectExt); err != nil {
				w.logger.Warn("failed to set aside inbox item", "file", name, "error", err)
			}
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove inbox item", "file", name, "error", err)
			continue
		}
		w.mailbox.Queue(item.ProjectID, item.Content)
		w.logger.Debug("queued inbox item", "project_id", item.ProjectID)
		queued++
	}
	return queued
}

func readItem(path string) (Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("decode: %w", err)
	}
	if item.ProjectID <= 0 {
		return Item{}, fmt.Errorf("invalid project id %d", item.ProjectID)
	}
	if strings.TrimSpace(item.Content) == "" {
		return Item{}, fmt.Errorf("empty content")
	}
	return item, nil
}

func isItem(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".")
}
