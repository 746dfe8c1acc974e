package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/workout-engagement/internal/types"
)

var (
	errUnknownTable = errors.New("unknown table")
	errUnknownOp    = errors.New("unknown operation")
)

var tableTopics = map[string]types.Topic{
	"workout_likes":    types.TopicLikes,
	"workout_comments": types.TopicComments,
}

// notification mirrors the JSON object built by notify_engagement_change().
type notification struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	SessionID string `json:"session_id"`
	RecordID  int64  `json:"record_id"`
	ActorID   string `json:"actor_id"`
}

// DecodeNotification converts a trigger payload into a typed change event.
func DecodeNotification(data []byte) (types.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.SessionID == "" || n.RecordID == 0 {
		return types.ChangeEvent{}, errors.New("notification missing identifiers")
	}

	topic, ok := tableTopics[n.Table]
	if !ok {
		return types.ChangeEvent{}, fmt.Errorf("%w: %q", errUnknownTable, n.Table)
	}

	record := types.RecordID(n.RecordID)
	actor := types.ActorID(n.ActorID)

	var change types.Change
	switch n.Op {
	case "INSERT":
		change = types.Inserted{Record: record, Actor: actor}
	case "DELETE":
		change = types.Deleted{Record: record, Actor: actor}
	default:
		return types.ChangeEvent{}, fmt.Errorf("%w: %q", errUnknownOp, n.Op)
	}

	return types.ChangeEvent{
		Topic:  topic,
		Entity: types.EntityID(n.SessionID),
		Change: change,
	}, nil
}

func kindLabel(change types.Change) string {
	switch change.(type) {
	case types.Inserted:
		return "insert"
	case types.Deleted:
		return "delete"
	default:
		return "unknown"
	}
}
