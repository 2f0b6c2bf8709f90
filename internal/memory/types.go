package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("document not found")

// Role tags a turn as written by the user or by the companion.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalizes stored sender values. Older transcripts tag
// companion replies as "bot".
func ParseRole(v string) Role {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "assistant", "bot", "model":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Turn is a single persisted transcript entry.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile holds the persona and user details collected during setup.
type Profile struct {
	PersonaName        string    `json:"persona_name,omitempty"`
	PersonaNickname    string    `json:"persona_nickname,omitempty"`
	UserName           string    `json:"user_name,omitempty"`
	UserNickname       string    `json:"user_nickname,omitempty"`
	PersonaInterests   string    `json:"persona_interests,omitempty"`
	UserInterests      string    `json:"user_interests,omitempty"`
	PersonaPersonality string    `json:"persona_personality,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Document is everything stored for one user.
type Document struct {
	UserID      string   `json:"user_id"`
	Profile     *Profile `json:"profile,omitempty"`
	ChatHistory []Turn   `json:"chat_history"`
}

// Store persists user documents.
//
// AppendTurn always stamps the turn with the store clock; callers' timestamps
// are display-only. PutProfile with merge=false replaces the whole document,
// transcript included.
type Store interface {
	Get(ctx context.Context, userID string) (*Document, error)
	PutProfile(ctx context.Context, userID string, profile Profile, merge bool) error
	AppendTurn(ctx context.Context, userID string, turn Turn) (Turn, error)
	ClearTranscript(ctx context.Context, userID string) error
	Mode() string
	Close() error
}

// NewTurnID returns a sortable, time-derived turn id.
func NewTurnID() string {
	return ulid.Make().String()
}

// GetProfile returns nil without error when the user has not completed setup.
func GetProfile(ctx context.Context, s Store, userID string) (*Profile, error) {
	doc, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Profile, nil
}

// Transcript returns the stored chat history in insertion order.
func Transcript(ctx context.Context, s Store, userID string) ([]Turn, error) {
	doc, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.ChatHistory == nil {
		return []Turn{}, nil
	}
	return doc.ChatHistory, nil
}

// mergeProfile overlays the non-empty fields of next onto base.
func mergeProfile(base, next Profile) Profile {
	out := base
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.PersonaName, next.PersonaName)
	set(&out.PersonaNickname, next.PersonaNickname)
	set(&out.UserName, next.UserName)
	set(&out.UserNickname, next.UserNickname)
	set(&out.PersonaInterests, next.PersonaInterests)
	set(&out.UserInterests, next.UserInterests)
	set(&out.PersonaPersonality, next.PersonaPersonality)
	if !next.CreatedAt.IsZero() {
		out.CreatedAt = next.CreatedAt
	}
	return out
}
