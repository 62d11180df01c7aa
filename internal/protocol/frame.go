package protocol

import "encoding/json"

// Frame is one discrete unit carried over the agent connection.
type Frame struct {
	Binary bool
	Data   []byte
}

func BinaryFrame(data []byte) Frame { return Frame{Binary: true, Data: data} }

func TextFrame(data []byte) Frame { return Frame{Data: data} }

// JSONFrame marshals v into a text frame.
func JSONFrame(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return TextFrame(data), nil
}

type keepAlive struct {
	Type MessageType `json:"type"`
}

// KeepAliveFrame is sent periodically to hold an idle connection open.
func KeepAliveFrame() Frame {
	f, _ := JSONFrame(keepAlive{Type: TypeKeepAlive})
	return f
}
