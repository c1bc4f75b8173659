package buffer

import (
	"encoding/base64"
	"encoding/json"
)

// MarshalWire renders the chunk as the JSON message spec.md §6 puts
// on the wire to an attached client: a `data` message with a
// base64-encoded payload for plain text, or a `gmcp` message with the
// subnegotiation's package name and its data parsed as JSON (falling
// back to `{"raw": "<string>"}` on a parse error, per spec.md §4.2).
// Session and the dispatcher's resume-replay path both call this, so
// a live broadcast and a replayed chunk produce byte-identical wire
// shapes.
func (c Chunk) MarshalWire() []byte {
	var msg map[string]any
	if c.Type == ChunkGMCP {
		var data any
		if err := json.Unmarshal([]byte(c.GMCPData), &data); err != nil || c.GMCPData == "" {
			data = map[string]any{"raw": c.GMCPData}
		}
		msg = map[string]any{
			"type":    "gmcp",
			"seq":     c.Sequence,
			"package": c.GMCPPackage,
			"data":    data,
		}
	} else {
		msg = map[string]any{
			"type":    "data",
			"seq":     c.Sequence,
			"payload": base64.StdEncoding.EncodeToString(c.Payload),
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		// Marshal of a map of strings/numbers/base64 text cannot fail;
		// retained only to satisfy the json.Marshal signature.
		return nil
	}
	return b
}
