package protocol

import (
	"encoding/json"
	"fmt"
)

// ControlKind identifies a control message.
type ControlKind string

// Sent by instances.
const (
	KindServicesExposed ControlKind = "services_exposed"
	KindServicesHidden  ControlKind = "services_hidden"
	KindAppStatus       ControlKind = "app_status"
	KindSubscribe       ControlKind = "subscribe"
)

// Sent by the broker.
const (
	KindClusterChanged  ControlKind = "cluster_changed"
	KindInstanceStatus  ControlKind = "instance_status"
	KindServicesChanged ControlKind = "services_changed"
)

// App status values carried by KindAppStatus and KindInstanceStatus.
const (
	StatusServing = "serving"
	StatusStopped = "stopped"
	StatusDown    = "down"
)

// Service change values carried by KindServicesChanged.
const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
)

// ControlMessage is the METADATA_PUSH payload of the control stream. Only the
// fields relevant to Kind are set.
type ControlMessage struct {
	Kind       ControlKind         `json:"kind"`
	Services   []ServiceDescriptor `json:"services,omitempty"`
	Status     string              `json:"status,omitempty"`
	Brokers    []string            `json:"brokers,omitempty"`
	InstanceID uint32              `json:"instanceId,omitempty"`
	UUID       string              `json:"uuid,omitempty"`
	Name       string              `json:"name,omitempty"`
	Change     string              `json:"change,omitempty"`
}

// NewControlFrame encodes m as a METADATA_PUSH frame.
func NewControlFrame(m *ControlMessage) (*Frame, error) {
	md, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return &Frame{Type: FrameMetadataPush, Metadata: md}, nil
}

// ParseControl decodes a METADATA_PUSH frame.
func ParseControl(f *Frame) (*ControlMessage, error) {
	if f.Type != FrameMetadataPush {
		return nil, fmt.Errorf("unexpected %s frame on control stream", f.Type)
	}
	var m ControlMessage
	if err := json.Unmarshal(f.Metadata, &m); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("control message without kind")
	}
	return &m, nil
}
