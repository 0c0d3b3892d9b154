package agent

import (
	"encoding/json"
	"fmt"
)

// Observation wire shape: the observer opens a per-request reply topic,
// then asks the observable over the query channel to start producing.
// The observable streams items to the reply topic and always finishes
// with a terminal marker (done, error or cancelled) — a stream never
// just ends.

const (
	obsOpRequest = "request"
	obsOpCancel  = "cancel"

	obsKindItem      = "item"
	obsKindDone      = "done"
	obsKindError     = "error"
	obsKindCancelled = "cancelled"

	obsAccepted = "accepted"
)

type obsRequest struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	Reply   string `json:"reply,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

type obsItem struct {
	ID      string `json:"id"`
	Seq     int    `json:"seq"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func encodeObsRequest(r obsRequest) []byte {
	out, _ := json.Marshal(r)
	return out
}

func decodeObsRequest(data []byte) (obsRequest, error) {
	var r obsRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("malformed observation request: %w", err)
	}
	return r, nil
}

func encodeObsItem(i obsItem) []byte {
	out, _ := json.Marshal(i)
	return out
}

func decodeObsItem(data []byte) (obsItem, error) {
	var i obsItem
	if err := json.Unmarshal(data, &i); err != nil {
		return i, fmt.Errorf("malformed observation item: %w", err)
	}
	return i, nil
}

// obsReplyTopic derives the per-request reply topic from the control
// topic and the request id.
func obsReplyTopic(full, id string) string {
	return full + "/@obs/" + id
}
