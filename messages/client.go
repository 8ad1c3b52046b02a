package messages

import "github.com/bytedance/sonic"

// Control message values
const (
	TypePing            = "ping"
	ActionStopRecording = "stop_recording"
)

// ClientFrame is an inbound JSON control message. The client protocol
// carries two shapes: {"type":"ping"} and {"action":"stop_recording"};
// both decode into this struct.
type ClientFrame struct {
	Type   string `json:"type,omitempty"`
	Action string `json:"action,omitempty"`
}

// DecodeClientFrame parses an inbound text frame.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
