package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotSetup is returned when the first frame of a session is not SETUP.
var ErrNotSetup = errors.New("protocol: first frame is not setup")

// ServiceDescriptor names a service exposed by an instance.
type ServiceDescriptor struct {
	Group   string `json:"group,omitempty"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// SetupPayload is the SETUP frame metadata.
type SetupPayload struct {
	Credential string              `json:"credential,omitempty"`
	UUID       string              `json:"uuid"`
	Name       string              `json:"name,omitempty"`
	IP         string              `json:"ip,omitempty"`
	Weight     int                 `json:"weight,omitempty"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	Services   []ServiceDescriptor `json:"services,omitempty"`
}

// SetupAccepted is the PAYLOAD the broker answers an accepted SETUP with.
type SetupAccepted struct {
	InstanceID uint32   `json:"instanceId"`
	BrokerID   string   `json:"brokerId"`
	Brokers    []string `json:"brokers,omitempty"`
}

// NewSetupFrame encodes p as a SETUP frame.
func NewSetupFrame(p *SetupPayload) (*Frame, error) {
	md, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode setup: %w", err)
	}
	return &Frame{Type: FrameSetup, Metadata: md}, nil
}

// ParseSetup decodes a SETUP frame.
func ParseSetup(f *Frame) (*SetupPayload, error) {
	if f.Type != FrameSetup {
		return nil, fmt.Errorf("%w: got %s", ErrNotSetup, f.Type)
	}
	var p SetupPayload
	if err := json.Unmarshal(f.Metadata, &p); err != nil {
		return nil, fmt.Errorf("decode setup: %w", err)
	}
	return &p, nil
}

// NewSetupAcceptedFrame encodes the broker's setup reply.
func NewSetupAcceptedFrame(a *SetupAccepted) (*Frame, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode setup reply: %w", err)
	}
	return NewPayloadFrame(data, FlagComplete), nil
}

// ParseSetupReply decodes the broker's answer to SETUP. An ERROR frame is
// returned as *Error.
func ParseSetupReply(f *Frame) (*SetupAccepted, error) {
	switch f.Type {
	case FrameError:
		return nil, ParseError(f)
	case FramePayload:
		var a SetupAccepted
		if err := json.Unmarshal(f.Data, &a); err != nil {
			return nil, fmt.Errorf("decode setup reply: %w", err)
		}
		return &a, nil
	default:
		return nil, fmt.Errorf("unexpected %s frame in setup reply", f.Type)
	}
}
