package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single newline-delimited frame.
const MaxFrameSize = 64 * 1024

// ErrMalformedMessage reports invalid framing or a body that is not a
// well-formed request. The connection that produced it must be closed.
var ErrMalformedMessage = errors.New("malformed message")

// ErrFrameTooLarge reports a frame exceeding MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedMessage, MaxFrameSize)

// Decoder reads newline-delimited JSON requests from a byte stream.
// Partial trailing fragments are buffered internally and completed by
// subsequent reads.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. The reader is consumed lazily, one frame per Decode.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &Decoder{scanner: sc}
}

// Decode returns the next complete request. It returns io.EOF on a clean
// stream end and ErrMalformedMessage (possibly wrapped) on bad input.
func (d *Decoder) Decode() (Request, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue // tolerate blank lines between frames
		}
		return DecodeRequest(line)
	}

	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Request{}, ErrFrameTooLarge
		}
		return Request{}, err
	}
	return Request{}, io.EOF
}

// DecodeRequest parses one complete frame. Transports that already frame
// their messages (WebSocket) call it directly.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) > MaxFrameSize {
		return Request{}, ErrFrameTooLarge
	}

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if req.Command == "" {
		return Request{}, fmt.Errorf("%w: missing command", ErrMalformedMessage)
	}
	if req.CorrelationID == "" {
		return Request{}, fmt.Errorf("%w: missing correlation_id", ErrMalformedMessage)
	}
	return req, nil
}

// EncodeRequest produces the exact frame the decoder on the other end would
// reproduce as the same request.
func EncodeRequest(req Request) ([]byte, error) {
	return appendFrame(req)
}

// EncodeResponse frames a response for the wire.
func EncodeResponse(resp Response) ([]byte, error) {
	return appendFrame(resp)
}

// EncodePush frames a push with an explicit null correlation_id.
func EncodePush(p Push) ([]byte, error) {
	return appendFrame(pushWire{Type: p.Type, Data: p.Data})
}

func appendFrame(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(raw, '\n'), nil
}

// DecodePayload unmarshals a request payload into dst, reporting shape
// mismatches as malformed input.
func DecodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
