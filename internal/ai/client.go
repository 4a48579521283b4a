// Package ai is the HTTP client for the music microservice. The engine
// treats every response as opaque message content: the payloads map directly
// onto attachment structs and are embedded into messages without any
// merge logic of their own.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ensemblechat/ensemble/internal/model"
)

// Client calls the AI music service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// GenerateRequest asks for sheet music from a free-text description.
type GenerateRequest struct {
	Description    string `json:"description"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Context        string `json:"context,omitempty"`
}

// EditRequest asks for an edit to existing notation.
type EditRequest struct {
	MusicID         string `json:"music_id"`
	CurrentABC      string `json:"current_abc"`
	EditInstruction string `json:"edit_instruction"`
	UserID          string `json:"user_id"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

// ClassicalSearchRequest looks up a classical score.
type ClassicalSearchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

// SetlistStartRequest begins a collaborative setlist round in a group chat.
type SetlistStartRequest struct {
	UserInput       string   `json:"user_input"`
	GroupID         string   `json:"group_id"`
	ConversationID  string   `json:"conversation_id"`
	OrganizerUserID string   `json:"organizer_user_id"`
	OrganizerName   string   `json:"organizer_username"`
	GroupMemberIDs  []string `json:"group_member_ids"`
}

// SetlistPreferenceRequest submits one member's preference response.
type SetlistPreferenceRequest struct {
	SetlistID      string `json:"setlist_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	PreferenceText string `json:"preference_text"`
}

// SetlistReply is the service's answer to a setlist request: either a
// progress update (still waiting on members) or a finished plan.
type SetlistReply struct {
	Action    string                           `json:"action"`
	Message   string                           `json:"message"`
	SetlistID string                           `json:"setlist_id,omitempty"`
	Waiting   bool                             `json:"waiting_for_responses"`
	Required  []string                         `json:"required_responses,omitempty"`
	Questions []string                         `json:"questions,omitempty"`
	Plan      *model.SetlistPlanAttachment     `json:"setlist_data,omitempty"`
	Progress  *model.SetlistProgressAttachment `json:"-"`
}

// GenerateMusic produces a sheet-music attachment from a description.
func (c *Client) GenerateMusic(ctx context.Context, req GenerateRequest) (*model.SheetMusicAttachment, error) {
	var out model.SheetMusicAttachment
	if err := c.post(ctx, "/api/music/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMusic applies a natural-language edit to existing notation.
func (c *Client) EditMusic(ctx context.Context, req EditRequest) (*model.SheetMusicAttachment, error) {
	var out model.SheetMusicAttachment
	if err := c.post(ctx, "/api/music/edit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchClassical finds a classical score reference.
func (c *Client) SearchClassical(ctx context.Context, req ClassicalSearchRequest) (*model.ClassicalRefAttachment, error) {
	var out model.ClassicalRefAttachment
	if err := c.post(ctx, "/api/imslp/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSetlist begins a collaborative round and returns the first reply.
func (c *Client) StartSetlist(ctx context.Context, req SetlistStartRequest) (*SetlistReply, error) {
	var out SetlistReply
	if err := c.post(ctx, "/api/setlist/chat", req, &out); err != nil {
		return nil, err
	}
	out.fillProgress()
	return &out, nil
}

// SubmitSetlistPreference forwards one member's response and returns the
// updated round state.
func (c *Client) SubmitSetlistPreference(ctx context.Context, req SetlistPreferenceRequest) (*SetlistReply, error) {
	var out SetlistReply
	if err := c.post(ctx, "/api/setlist/preference", req, &out); err != nil {
		return nil, err
	}
	out.fillProgress()
	return &out, nil
}

// fillProgress projects the reply onto a progress attachment when the round
// is still collecting responses.
func (r *SetlistReply) fillProgress() {
	if r.Plan != nil {
		return
	}
	r.Progress = &model.SetlistProgressAttachment{
		SetlistID:         r.SetlistID,
		Waiting:           r.Waiting,
		Prompt:            r.Message,
		PendingResponders: r.Required,
		Questions:         r.Questions,
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
