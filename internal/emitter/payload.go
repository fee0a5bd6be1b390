package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/orionscan/internal/config"
	"github.com/care/orionscan/internal/types"
)

// ResultPayload is the wire form of a decoded code.
type ResultPayload struct {
	InstanceID string              `json:"instance_id" msgpack:"instance_id"`
	SessionID  string              `json:"session_id" msgpack:"session_id"`
	Text       string              `json:"text" msgpack:"text"`
	Format     string              `json:"format" msgpack:"format"`
	Points     []types.ResultPoint `json:"points,omitempty" msgpack:"points,omitempty"`
	FrameSeq   uint64              `json:"frame_seq" msgpack:"frame_seq"`
	TraceID    string              `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
	Timestamp  time.Time           `json:"timestamp" msgpack:"timestamp"`
}

func newResultPayload(instanceID, sessionID string, r types.Result) ResultPayload {
	ts := r.DecodedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return ResultPayload{
		InstanceID: instanceID,
		SessionID:  sessionID,
		Text:       r.Text,
		Format:     string(r.Format),
		Points:     r.Points,
		FrameSeq:   r.FrameSeq,
		TraceID:    r.TraceID,
		Timestamp:  ts.UTC(),
	}
}

// Encode marshals v with the configured payload encoding.
func Encode(encoding string, v interface{}) ([]byte, error) {
	switch encoding {
	case config.EncodingMsgpack:
		return msgpack.Marshal(v)
	case config.EncodingJSON, "":
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
