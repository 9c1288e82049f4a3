package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/cutroom/internal/types"
)

// MessageLog is a JSONL-backed message log.
// Messages are stored per project in conversations/<projectID>/messages.jsonl.
type MessageLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.ProjectID]*sync.Mutex
}

func NewMessageLog(root string) *MessageLog {
	return &MessageLog{
		root:  root,
		locks: make(map[types.ProjectID]*sync.Mutex),
	}
}

// getLock returns the per-project mutex, creating one if it doesn't exist.
func (l *MessageLog) getLock(id types.ProjectID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[id] = lock
	return lock
}

func (l *MessageLog) logPath(id types.ProjectID) string {
	return filepath.Join(l.root, "conversations", id.String(), "messages.jsonl")
}

// Append adds one message to the end of the project's log and returns the
// new length. A message whose ID is already in the log is not written again.
func (l *MessageLog) Append(id types.ProjectID, msg types.Message) (int, error) {
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.read(id)
	if err != nil {
		return 0, err
	}
	for _, m := range existing {
		if m.ID == msg.ID {
			return len(existing), nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(l.logPath(id)), 0o755); err != nil {
		return 0, fmt.Errorf("create conversation dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(l.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return len(existing) + 1, nil
}

// Replace rewrites the project's log so it holds exactly msgs.
func (l *MessageLog) Replace(id types.ProjectID, msgs []types.Message) error {
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	path := l.logPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp messages file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range msgs {
		if err := enc.Encode(&msgs[i]); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush messages: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp messages file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp messages file: %w", err)
	}
	return nil
}

// All returns the project's messages in log order.
func (l *MessageLog) All(id types.ProjectID) ([]types.Message, error) {
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return l.read(id)
}

// read parses the log file. Caller must hold the project lock.
func (l *MessageLog) read(id types.ProjectID) ([]types.Message, error) {
	f, err := os.Open(l.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []types.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg types.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return msgs, nil
}
