package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Code is a wire error code carried by ERROR frames.
type Code uint32

const (
	CodeInvalidSetup     Code = 0x001
	CodeUnsupportedSetup Code = 0x002
	CodeRejectedSetup    Code = 0x003
	CodeConnectionError  Code = 0x101
	CodeConnectionClose  Code = 0x102
	CodeApplicationError Code = 0x201
	CodeRejected         Code = 0x202
	CodeCanceled         Code = 0x203
	CodeInvalid          Code = 0x204

	// Broker specific codes, outside the reserved range.
	CodeServiceNotFound   Code = 0x1001
	CodeEndpointNotFound  Code = 0x1002
	CodeUnauthorized      Code = 0x1003
	CodeRoutingMissing    Code = 0x1004
	CodeDuplicateInstance Code = 0x1005
)

var codeNames = map[Code]string{
	CodeInvalidSetup:      "invalid_setup",
	CodeUnsupportedSetup:  "unsupported_setup",
	CodeRejectedSetup:     "rejected_setup",
	CodeConnectionError:   "connection_error",
	CodeConnectionClose:   "connection_close",
	CodeApplicationError:  "application_error",
	CodeRejected:          "rejected",
	CodeCanceled:          "canceled",
	CodeInvalid:           "invalid",
	CodeServiceNotFound:   "service_not_found",
	CodeEndpointNotFound:  "endpoint_not_found",
	CodeUnauthorized:      "unauthorized",
	CodeRoutingMissing:    "routing_missing",
	CodeDuplicateInstance: "duplicate_instance",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint32(c))
}

// Coder is implemented by errors that know their wire code.
type Coder interface {
	ErrorCode() Code
}

// CodeOf returns the wire code for err. Errors that do not carry a code are
// application errors.
func CodeOf(err error) Code {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeApplicationError
}

// Error is an ERROR frame received from a peer.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) ErrorCode() Code { return e.Code }

// NewErrorFrame encodes err as an ERROR frame.
func NewErrorFrame(err error) *Frame {
	return NewCodedErrorFrame(CodeOf(err), err.Error())
}

// NewCodedErrorFrame builds an ERROR frame with an explicit code.
func NewCodedErrorFrame(code Code, msg string) *Frame {
	data := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(msg)), uint32(code))
	return &Frame{Type: FrameError, Data: append(data, msg...)}
}

// ParseError decodes an ERROR frame.
func ParseError(f *Frame) *Error {
	if len(f.Data) < 4 {
		return &Error{Code: CodeConnectionError, Message: "malformed error frame"}
	}
	return &Error{
		Code:    Code(binary.BigEndian.Uint32(f.Data[:4])),
		Message: string(f.Data[4:]),
	}
}
