package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies a frame.
type FrameType uint8

const (
	FrameSetup FrameType = iota + 1
	FrameRequestResponse
	FrameFireAndForget
	FrameRequestStream
	FramePayload
	FrameError
	FrameMetadataPush
	FrameCancel
)

var frameTypeNames = map[FrameType]string{
	FrameSetup:           "setup",
	FrameRequestResponse: "request_response",
	FrameFireAndForget:   "fire_and_forget",
	FrameRequestStream:   "request_stream",
	FramePayload:         "payload",
	FrameError:           "error",
	FrameMetadataPush:    "metadata_push",
	FrameCancel:          "cancel",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// IsRequest reports whether t opens an interaction.
func (t FrameType) IsRequest() bool {
	return t == FrameRequestResponse || t == FrameFireAndForget || t == FrameRequestStream
}

// Flags modify PAYLOAD frames.
type Flags uint8

const (
	FlagNext Flags = 1 << iota
	FlagComplete
)

const (
	headerSize = 1 + 1 + 4

	// DefaultMaxFrameSize bounds a frame when no limit is configured.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrShortFrame    = errors.New("protocol: frame too short")
)

// Frame is one decoded frame. Metadata and Data alias the read buffer.
type Frame struct {
	Type     FrameType
	Flags    Flags
	Metadata []byte
	Data     []byte
}

// Has reports whether all of flags are set.
func (f *Frame) Has(flags Flags) bool {
	return f.Flags&flags == flags
}

// NewRequestFrame builds a request of type t with routing metadata.
func NewRequestFrame(t FrameType, metadata, data []byte) *Frame {
	return &Frame{Type: t, Metadata: metadata, Data: data}
}

// NewPayloadFrame builds a PAYLOAD frame.
func NewPayloadFrame(data []byte, flags Flags) *Frame {
	return &Frame{Type: FramePayload, Flags: flags, Data: data}
}

// AppendFrame appends the encoding of f, length prefix included, to dst.
func AppendFrame(dst []byte, f *Frame) []byte {
	n := headerSize + len(f.Metadata) + len(f.Data)
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	dst = append(dst, byte(f.Type), byte(f.Flags))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Metadata)))
	dst = append(dst, f.Metadata...)
	return append(dst, f.Data...)
}

// WriteFrame writes f to w in a single Write call so concurrent writers on a
// stream never interleave partial frames.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := AppendFrame(make([]byte, 0, 4+headerSize+len(f.Metadata)+len(f.Data)), f)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads one frame from r. Frames longer than maxSize are rejected
// before their body is read.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lengthBuf[:]))
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	if length < headerSize {
		return nil, ErrShortFrame
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return DecodeFrame(buf)
}

// DecodeFrame decodes a frame body (without length prefix).
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < headerSize {
		return nil, ErrShortFrame
	}
	f := &Frame{
		Type:  FrameType(buf[0]),
		Flags: Flags(buf[1]),
	}
	mdLen := int(binary.BigEndian.Uint32(buf[2:6]))
	rest := buf[headerSize:]
	if mdLen > len(rest) {
		return nil, fmt.Errorf("%w: metadata length %d exceeds body %d", ErrShortFrame, mdLen, len(rest))
	}
	if mdLen > 0 {
		f.Metadata = rest[:mdLen]
	}
	if len(rest) > mdLen {
		f.Data = rest[mdLen:]
	}
	return f, nil
}
