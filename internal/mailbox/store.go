package mailbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// inboxSuffix is the extension of each agent's append-only inbox file.
const inboxSuffix = ".jsonl"

// watchDebounce coalesces bursts of writes to an inbox.
const watchDebounce = 50 * time.Millisecond

// Envelope is one delivery in an inbox. Message is set when the sender's
// transport carried the structured message; Text always holds the
// rendered form.
type Envelope struct {
	Message     *Message  `json:"message,omitempty"`
	Text        string    `json:"text"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// FileTransport delivers into per-address JSONL inbox files under a shared
// directory. Addresses are plain names; each maps to <dir>/<address>.jsonl.
type FileTransport struct {
	dir string
	mu  sync.Mutex
}

// NewFileTransport creates a transport rooted at dir. The directory is
// created lazily on first delivery.
func NewFileTransport(dir string) *FileTransport {
	return &FileTransport{dir: dir}
}

// Dir returns the inbox directory.
func (t *FileTransport) Dir() string { return t.dir }

func (t *FileTransport) inboxPath(address string) (string, error) {
	if err := ValidateAgentID(address); err != nil {
		return "", fmt.Errorf("mailbox: invalid inbox address %q", address)
	}
	return filepath.Join(t.dir, address+inboxSuffix), nil
}

// Deliver appends rendered text to the address's inbox.
func (t *FileTransport) Deliver(ctx context.Context, address, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.append(address, Envelope{Text: text, DeliveredAt: time.Now().UTC()})
}

// DeliverMessage appends msg and its rendering to the address's inbox.
func (t *FileTransport) DeliverMessage(ctx context.Context, address string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.append(address, Envelope{Message: &msg, Text: Render(msg), DeliveredAt: time.Now().UTC()})
}

func (t *FileTransport) append(address string, env Envelope) error {
	path, err := t.inboxPath(address)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mailbox: marshal envelope: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("mailbox: create inbox directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open inbox: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailbox: append to inbox: %w", err)
	}
	return f.Close()
}

// Receive returns every envelope in the address's inbox in delivery order.
// A missing inbox is empty.
func (t *FileTransport) Receive(address string) ([]Envelope, error) {
	path, err := t.inboxPath(address)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: open inbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	var envelopes []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: scan inbox: %w", err)
	}
	return envelopes, nil
}

// Messages returns the structured messages in the address's inbox, sorted
// chronologically by timestamp.
func (t *FileTransport) Messages(address string) ([]Message, error) {
	envelopes, err := t.Receive(address)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, env := range envelopes {
		if env.Message != nil {
			out = append(out, *env.Message)
		}
	}
	sortMessages(out)
	return out, nil
}

// Watch calls handler for every envelope delivered to address after Watch
// starts, until ctx is done. It returns once the watcher is established;
// delivery happens on a separate goroutine, and the returned stop function
// waits for it to exit.
func (t *FileTransport) Watch(ctx context.Context, address string, handler func(Envelope)) (stop func(), err error) {
	path, err := t.inboxPath(address)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mailbox: create watcher: %w", err)
	}
	// Watch the directory; the inbox file may not exist yet.
	if err := watcher.Add(t.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("mailbox: watch inbox directory: %w", err)
	}

	existing, err := t.Receive(address)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	seen := len(existing)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		defer func() { _ = watcher.Close() }()
		debounce := time.NewTimer(0)
		<-debounce.C

		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce.Reset(watchDebounce)

			case <-debounce.C:
				envelopes, err := t.Receive(address)
				if err != nil {
					continue
				}
				if len(envelopes) > seen {
					for _, env := range envelopes[seen:] {
						handler(env)
					}
					seen = len(envelopes)
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}, nil
}
