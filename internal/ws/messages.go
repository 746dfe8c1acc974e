package ws

import (
	"github.com/example/workout-engagement/internal/engagement"
	"github.com/example/workout-engagement/internal/types"
)

// Client commands.
const (
	TypeToggleLike    = "toggle_like"
	TypeAddComment    = "add_comment"
	TypeRemoveComment = "remove_comment"
	TypeLoadMore      = "load_more"
	TypeRetarget      = "retarget"
)

// Server messages.
const (
	TypeState = "state"
	TypeError = "error"
)

// ClientMessage is a command sent by a tab.
type ClientMessage struct {
	Type      string         `json:"type"`
	Body      string         `json:"body,omitempty"`
	CommentID types.RecordID `json:"comment_id,omitempty"`
	SessionID types.EntityID `json:"session_id,omitempty"`
}

// StateMessage carries the full engagement state of the mounted session.
type StateMessage struct {
	Type      string                `json:"type"`
	SessionID types.EntityID        `json:"session_id"`
	Likes     types.EngagementState `json:"likes"`
	Comments  types.EngagementState `json:"comments"`
	Items     []types.Comment       `json:"items"`
	HasMore   bool                  `json:"has_more"`
}

// ErrorMessage reports a failed command. The tab shows it as a transient
// notice; local state has already been rolled back.
type ErrorMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

func newStateMessage(snap engagement.Snapshot) StateMessage {
	items := snap.Items
	if items == nil {
		items = []types.Comment{}
	}
	return StateMessage{
		Type:      TypeState,
		SessionID: snap.Entity,
		Likes:     snap.Likes,
		Comments:  snap.Comments,
		Items:     items,
		HasMore:   snap.HasMore,
	}
}
