package messaging

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
)

// Event is one message of the feed. Body is a generic protobuf struct so
// consumers need no generated code.
type Event struct {
	Topic string
	Key   string
	Time  time.Time
	Body  *structpb.Struct
}

// JSON renders the body with protojson.
func (e *Event) JSON() ([]byte, error) {
	return protojson.Marshal(e.Body)
}

// ShareEvent builds the event for a share outcome. Shares are keyed by pool
// so a partition keeps one pool's history in order.
func ShareEvent(o stats.ShareOutcome) (*Event, error) {
	fields := map[string]any{
		"time":       o.Time.UTC().Format(time.RFC3339Nano),
		"pool":       o.Pool,
		"pool_uid":   o.PoolUID,
		"algorithm":  o.Algorithm,
		"job_id":     o.JobID,
		"difficulty": o.Difficulty,
		"status":     string(o.Status),
		"latency_ms": float64(o.Latency) / float64(time.Millisecond),
	}
	if o.Reason != "" {
		fields["reason"] = o.Reason
	}
	return newEvent(TopicShares, o.Pool, o.Time, fields)
}

// PoolSwitchEvent builds the event for an active pool change, keyed by
// algorithm.
func PoolSwitchEvent(s stats.PoolSwitch) (*Event, error) {
	return newEvent(TopicPoolSwitches, s.Algorithm, s.Time, map[string]any{
		"time":       s.Time.UTC().Format(time.RFC3339Nano),
		"algorithm":  s.Algorithm,
		"from_index": s.FromIndex,
		"to_index":   s.ToIndex,
		"from_pool":  s.FromPool,
		"to_pool":    s.ToPool,
	})
}

// StatusEvent converts a status snapshot through its JSON form.
func StatusEvent(s stats.StatusSnapshot) (*Event, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "status_event", "failed to encode status")
	}
	body := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, body); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "status_event", "failed to convert status")
	}
	return &Event{Topic: TopicStatus, Key: "status", Time: s.Time, Body: body}, nil
}

func newEvent(topic, key string, t time.Time, fields map[string]any) (*Event, error) {
	body, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_event", "failed to build event").
			WithContext("topic", topic)
	}
	return &Event{Topic: topic, Key: key, Time: t, Body: body}, nil
}
