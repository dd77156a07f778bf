package dashboard

import (
	"log"
	"time"

	json "github.com/goccy/go-json"

	"github.com/compintel/profilesync/internal/cache"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSnapshot carries a full published snapshot
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeStats carries counts derived from the snapshot
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard websocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SnapshotData is the wire form of a cache snapshot. Error is null when
// there is no collection-level failure.
type SnapshotData struct {
	Records    []cache.Record `json:"records"`
	Loading    bool           `json:"loading"`
	Error      *string        `json:"error"`
	Generation uint64         `json:"generation"`
}

// StatsData summarizes a snapshot
type StatsData struct {
	Total          int `json:"total"`
	Supplemental   int `json:"supplemental"`
	WithProducts   int `json:"with_products"`
	UnknownUpdated int `json:"unknown_updated"`
}

// Handler formats cache snapshots as dashboard messages.
type Handler struct {
	logger *log.Logger
	now    func() time.Time
}

// NewHandler creates a message handler
func NewHandler(logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{logger: logger, now: time.Now}
}

// NewSnapshotData converts a snapshot for the wire.
func NewSnapshotData(s *cache.Snapshot) SnapshotData {
	data := SnapshotData{Records: []cache.Record{}}
	if s == nil {
		return data
	}
	if s.Records != nil {
		data.Records = s.Records
	}
	data.Loading = s.Loading
	data.Generation = s.Generation
	if s.Error != "" {
		msg := s.Error
		data.Error = &msg
	}
	return data
}

// Stats computes summary counts for a snapshot
func Stats(s *cache.Snapshot) StatsData {
	var stats StatsData
	if s == nil {
		return stats
	}
	stats.Total = len(s.Records)
	for _, r := range s.Records {
		if r.IsSupplemental {
			stats.Supplemental++
		}
		if len(r.Products) > 0 {
			stats.WithProducts++
		}
		if r.LastUpdatedRaw == nil {
			stats.UnknownUpdated++
		}
	}
	return stats
}

// Messages returns the messages sent to a client for one snapshot: the
// snapshot itself, then its stats once it has settled.
func (h *Handler) Messages(s *cache.Snapshot) []Message {
	msgs := make([]Message, 0, 2)

	if msg, ok := h.message(MessageTypeSnapshot, NewSnapshotData(s)); ok {
		msgs = append(msgs, msg)
	}
	if s != nil && !s.Loading {
		if msg, ok := h.message(MessageTypeStats, Stats(s)); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (h *Handler) message(typ MessageType, v any) (Message, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: h.now(), Data: data}, true
}
