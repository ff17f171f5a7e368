package websocket

import (
	"encoding/json"
	"io"
)

// NewJSONMessage returns a text PreparedMessage holding the JSON encoding of v.
func NewJSONMessage(v any) (*PreparedMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewPreparedMessage(OpText, data)
}

// ReadJSON decodes a received message payload into the value pointed to by v.
func ReadJSON(data []byte, v any) error {
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(data, v)
}
