package model

import (
	"encoding/json"
	"fmt"
)

// ContentKind tags the payload variant carried by a message.
type ContentKind string

const (
	KindText            ContentKind = "text"
	KindImage           ContentKind = "image"
	KindSheetMusic      ContentKind = "sheet_music"
	KindClassicalRef    ContentKind = "classical_ref"
	KindSetlistPlan     ContentKind = "setlist_plan"
	KindSetlistProgress ContentKind = "setlist_progress"
)

// DeliveryStatus is the per-message delivery state observed by this client.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank orders delivery states so that merges can enforce monotonicity.
// Failed is outside the forward chain: it is only reachable from sending.
var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the monotonic rank of a status. Unknown statuses rank lowest.
func (s DeliveryStatus) Rank() int {
	return statusRank[s]
}

// MaxStatus returns the higher-ranked of two statuses. A failed local row is
// upgraded by any confirmed remote status (the write did land after all), but
// never regressed by a remote echo.
func MaxStatus(a, b DeliveryStatus) DeliveryStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Message is a single chat message. A logical message is identified by its
// LocalID for its whole lifetime in the local store; RemoteID is stamped on
// once the remote write is observed.
type Message struct {
	LocalID         string
	RemoteID        string
	ConversationID  string
	SenderID        string
	SenderName      string
	Kind            ContentKind
	Body            string
	Attachment      []byte // kind-specific JSON payload, empty for text
	Status          DeliveryStatus
	FromMe          bool
	CreatedAt       int64 // unix millis, display order key
	RemoteUpdatedAt int64 // unix millis, recency guard for merges
	DeliveredTo     []string
	ReadBy          []string
}

// ReadByUser reports whether userID is in the message's reader set.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// DeliveredToUser reports whether userID is in the message's delivery set.
func (m *Message) DeliveredToUser(userID string) bool {
	for _, id := range m.DeliveredTo {
		if id == userID {
			return true
		}
	}
	return false
}

// Preview returns the conversation-list preview text for the message.
func (m *Message) Preview() string {
	switch m.Kind {
	case KindText:
		return m.Body
	case KindImage:
		return "\U0001F4F7 Photo"
	case KindSheetMusic:
		return "\U0001F3BC Sheet music"
	case KindClassicalRef:
		return "\U0001F4D6 Classical score"
	case KindSetlistPlan:
		return "\U0001F3B5 Setlist"
	case KindSetlistProgress:
		return "\U0001F3B5 Setlist update"
	default:
		return m.Body
	}
}

// SheetMusicAttachment is a generated sheet-music payload.
type SheetMusicAttachment struct {
	MusicID       string  `json:"music_id"`
	ABCNotation   string  `json:"abc_notation"`
	SheetMusicURL string  `json:"sheet_music_url"`
	Title         string  `json:"title"`
	Confidence    float64 `json:"confidence"`
}

// ClassicalRefAttachment references a classical score found on IMSLP.
type ClassicalRefAttachment struct {
	Title    string `json:"title"`
	Composer string `json:"composer"`
	ImageURL string `json:"image_url"`
	IMSLPURL string `json:"imslp_url"`
	Opus     string `json:"opus,omitempty"`
}

// ImageAttachment references an uploaded image blob.
type ImageAttachment struct {
	Ref    string `json:"ref"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// SetlistPiece is one entry of a setlist plan.
type SetlistPiece struct {
	Title           string `json:"title"`
	Composer        string `json:"composer"`
	DurationMinutes int    `json:"duration_minutes"`
	KeySignature    string `json:"key_signature,omitempty"`
	Genre           string `json:"genre,omitempty"`
}

// SetlistPlanAttachment is a finished collaborative setlist.
type SetlistPlanAttachment struct {
	SetlistID     string         `json:"setlist_id"`
	Title         string         `json:"title"`
	TotalDuration int            `json:"total_duration"`
	Pieces        []SetlistPiece `json:"pieces"`
}

// SetlistProgressAttachment is an in-flight preference-gathering update.
// The trailing message of this kind is the source of truth for the
// conversation's setlist session (see session.deriveSetlist).
type SetlistProgressAttachment struct {
	SetlistID         string   `json:"setlist_id"`
	Waiting           bool     `json:"waiting"`
	Prompt            string   `json:"prompt,omitempty"`
	PendingResponders []string `json:"pending_responders"`
	Responded         []string `json:"responded"`
	Questions         []string `json:"questions,omitempty"`
}

// EncodeAttachment marshals a kind-specific payload for storage on a message.
func EncodeAttachment(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode attachment: %w", err)
	}
	return b, nil
}

// DecodeAttachment unmarshals a message payload into the given struct.
func DecodeAttachment(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode attachment: empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode attachment: %w", err)
	}
	return nil
}
