package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Delivery outcomes recorded in the log.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// DeliveryRecord is one attempt to deliver a message to one recipient.
type DeliveryRecord struct {
	MessageID string      `json:"message_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Address   string      `json:"address,omitempty"`
	Type      MessageType `json:"type"`
	Outcome   string      `json:"outcome"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}

// DeliveryLog is an append-only JSONL record of delivery attempts.
type DeliveryLog struct {
	path string
	mu   sync.Mutex
}

// NewDeliveryLog creates a log at path. The file is created on first append.
func NewDeliveryLog(path string) *DeliveryLog {
	return &DeliveryLog{path: path}
}

// Path returns the log file path.
func (l *DeliveryLog) Path() string { return l.path }

// Append writes rec as one line. Each line is small enough that O_APPEND
// keeps concurrent writers from other processes from interleaving.
func (l *DeliveryLog) Append(rec DeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mailbox: marshal delivery record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mailbox: create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open delivery log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailbox: append delivery record: %w", err)
	}
	return f.Close()
}

// Read returns every record in the log, oldest first. A missing log yields
// no records. Malformed lines are skipped.
func (l *DeliveryLog) Read() ([]DeliveryRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: open delivery log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []DeliveryRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec DeliveryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: scan delivery log: %w", err)
	}
	return records, nil
}

// ForMessage returns the records for one message id.
func (l *DeliveryLog) ForMessage(id string) ([]DeliveryRecord, error) {
	all, err := l.Read()
	if err != nil {
		return nil, err
	}
	var out []DeliveryRecord
	for _, rec := range all {
		if rec.MessageID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}
