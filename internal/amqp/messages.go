package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taxledger/internal/store"
)

// changeMessage is the wire form of a store.Change. It carries no record
// data; subscribers re-read the ledger.
type changeMessage struct {
	OwnerID   string    `json:"owner_id"`
	RecordID  string    `json:"record_id"`
	Op        string    `json:"op"`
	Version   int64     `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EncodeChange converts a change to JSON bytes
func EncodeChange(c store.Change) ([]byte, error) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	return json.Marshal(changeMessage(c))
}

// DecodeChange parses a change message. A message without an owner is
// rejected.
func DecodeChange(data []byte) (store.Change, error) {
	var msg changeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return store.Change{}, fmt.Errorf("decode change: %w", err)
	}
	if msg.OwnerID == "" {
		return store.Change{}, errors.New("decode change: missing owner_id")
	}
	return store.Change(msg), nil
}
