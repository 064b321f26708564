package pose

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message (a 1920x1920 RGBA frame plus
// headroom).
const maxMessageSize = 16 << 20

// Message types exchanged with the pose worker.
const (
	msgReady  = "ready"
	msgDetect = "detect"
	msgResult = "result"
	msgPing   = "ping"
	msgPong   = "pong"
	msgError  = "error"
)

// message is one frame of the worker protocol. Requests and responses share
// the shape; unused fields are omitted on the wire.
type message struct {
	Type  string `msgpack:"type"`
	Seq   uint64 `msgpack:"seq,omitempty"`
	Error string `msgpack:"error,omitempty"`

	// ready
	Mode      string `msgpack:"mode,omitempty"`
	PoseModel string `msgpack:"pose_model,omitempty"`

	// detect
	Width     int    `msgpack:"width,omitempty"`
	Height    int    `msgpack:"height,omitempty"`
	Format    string `msgpack:"format,omitempty"`
	FrameData []byte `msgpack:"frame_data,omitempty"`

	// result
	People []wirePerson `msgpack:"people,omitempty"`
	// InferenceMS is the worker-side processing time.
	InferenceMS float64 `msgpack:"inference_ms,omitempty"`
}

type wirePerson struct {
	Score     float64      `msgpack:"score"`
	Keypoints [][2]float64 `msgpack:"keypoints"`
	Scores    []float64    `msgpack:"scores"`
}

func (p wirePerson) person() (Person, error) {
	if len(p.Keypoints) != NumKeypoints || len(p.Scores) != NumKeypoints {
		return Person{}, fmt.Errorf("person has %d keypoints and %d scores, want %d",
			len(p.Keypoints), len(p.Scores), NumKeypoints)
	}
	out := Person{Score: p.Score, Keypoints: make([]Keypoint, NumKeypoints)}
	for i, kp := range p.Keypoints {
		out.Keypoints[i] = Keypoint{X: kp[0], Y: kp[1], Score: p.Scores[i]}
	}
	return out, nil
}

// writeMessage writes msg with a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, msg message) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message.
func readMessage(r io.Reader) (message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return message{}, err
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return message{}, fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return message{}, fmt.Errorf("failed to read msgpack data: %w", err)
	}

	var msg message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return message{}, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return msg, nil
}
