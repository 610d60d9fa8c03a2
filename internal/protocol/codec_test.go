package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

func TestFrameEncoding(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"request with metadata and data", NewRequestFrame(FrameRequestResponse, []byte(`{"service":"Echo"}`), []byte("hello"))},
		{"payload next", NewPayloadFrame([]byte("chunk"), FlagNext)},
		{"complete only", NewPayloadFrame(nil, FlagComplete)},
		{"cancel", &Frame{Type: FrameCancel}},
		{"metadata only", &Frame{Type: FrameMetadataPush, Metadata: []byte(`{"kind":"x"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf, 0)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != tt.frame.Type || got.Flags != tt.frame.Flags {
				t.Errorf("header = %s/%d, want %s/%d", got.Type, got.Flags, tt.frame.Type, tt.frame.Flags)
			}
			if !bytes.Equal(got.Metadata, tt.frame.Metadata) {
				t.Errorf("metadata = %q, want %q", got.Metadata, tt.frame.Metadata)
			}
			if !bytes.Equal(got.Data, tt.frame.Data) {
				t.Errorf("data = %q, want %q", got.Data, tt.frame.Data)
			}
			if buf.Len() != 0 {
				t.Errorf("%d trailing bytes", buf.Len())
			}
		})
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewPayloadFrame(make([]byte, 100), FlagComplete)); err != nil {
		t.Fatal(err)
	}
	_, err := ReadFrame(&buf, 50)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameMalformed(t *testing.T) {
	short := binary.BigEndian.AppendUint32(nil, 2)
	short = append(short, 1, 0)
	if _, err := ReadFrame(bytes.NewReader(short), 0); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short header: err = %v", err)
	}

	badMD := binary.BigEndian.AppendUint32(nil, headerSize)
	badMD = append(badMD, byte(FramePayload), 0)
	badMD = binary.BigEndian.AppendUint32(badMD, 10)
	if _, err := ReadFrame(bytes.NewReader(badMD), 0); !errors.Is(err, ErrShortFrame) {
		t.Errorf("metadata overrun: err = %v", err)
	}

	truncated := binary.BigEndian.AppendUint32(nil, 20)
	if _, err := ReadFrame(bytes.NewReader(truncated), 0); err == nil {
		t.Error("expected error for truncated body")
	}

	if _, err := ReadFrame(bytes.NewReader(nil), 0); err != io.EOF {
		t.Errorf("empty reader: err = %v, want io.EOF", err)
	}
}

func TestFrameTypeString(t *testing.T) {
	if FrameRequestStream.String() != "request_stream" {
		t.Errorf("got %s", FrameRequestStream)
	}
	if FrameType(99).String() != "unknown(99)" {
		t.Errorf("got %s", FrameType(99))
	}
	if !FrameFireAndForget.IsRequest() || FramePayload.IsRequest() {
		t.Error("IsRequest mismatch")
	}
}

type codedErr struct{}

func (codedErr) Error() string { return "not here" }
func (codedErr) ErrorCode() Code { return CodeServiceNotFound }

func TestErrorFrames(t *testing.T) {
	f := NewErrorFrame(codedErr{})
	e := ParseError(f)
	if e.Code != CodeServiceNotFound || e.Message != "not here" {
		t.Errorf("got %+v", e)
	}

	plain := ParseError(NewErrorFrame(errors.New("boom")))
	if plain.Code != CodeApplicationError {
		t.Errorf("plain error code = %s", plain.Code)
	}

	if CodeOf(e) != CodeServiceNotFound {
		t.Error("*Error should carry its code")
	}

	malformed := ParseError(&Frame{Type: FrameError, Data: []byte{1}})
	if malformed.Code != CodeConnectionError {
		t.Errorf("malformed code = %s", malformed.Code)
	}
}

func TestSetupFrames(t *testing.T) {
	in := &SetupPayload{
		Credential: "billing:secret",
		UUID:       "0123456789abcdef0123456789abcdef",
		Name:       "billing",
		Weight:     2,
		Metadata:   map[string]string{"zone": "a"},
		Services:   []ServiceDescriptor{{Service: "Echo", Version: "1.0"}},
	}
	f, err := NewSetupFrame(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseSetup(f)
	if err != nil {
		t.Fatal(err)
	}
	if out.UUID != in.UUID || out.Weight != 2 || out.Metadata["zone"] != "a" || len(out.Services) != 1 {
		t.Errorf("got %+v", out)
	}

	if _, err := ParseSetup(NewPayloadFrame(nil, 0)); !errors.Is(err, ErrNotSetup) {
		t.Errorf("err = %v, want ErrNotSetup", err)
	}

	reply, err := NewSetupAcceptedFrame(&SetupAccepted{InstanceID: 7, BrokerID: "b-1"})
	if err != nil {
		t.Fatal(err)
	}
	acc, err := ParseSetupReply(reply)
	if err != nil || acc.InstanceID != 7 || acc.BrokerID != "b-1" {
		t.Errorf("accepted = %+v, %v", acc, err)
	}

	_, err = ParseSetupReply(NewCodedErrorFrame(CodeRejectedSetup, "bad credential"))
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeRejectedSetup {
		t.Errorf("rejected err = %v", err)
	}
}

func TestJSONExtractor(t *testing.T) {
	var x JSONExtractor

	info, err := x.Extract([]byte(`{"service":"Echo","version":"1.0","method":"say","sticky":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.ServiceID != registry.ServiceID("", "Echo", "1.0") {
		t.Errorf("serviceId = %d", info.ServiceID)
	}
	if info.GSV() != "Echo:1.0" || !info.Sticky || info.Method != "say" {
		t.Errorf("got %+v", info)
	}

	explicit, err := x.Extract([]byte(`{"serviceId":42}`))
	if err != nil || explicit.ServiceID != 42 {
		t.Errorf("explicit = %+v, %v", explicit, err)
	}

	for _, md := range []string{"", "{}", "not json"} {
		if _, err := x.Extract([]byte(md)); !errors.Is(err, ErrNoRouting) {
			t.Errorf("Extract(%q) err = %v, want ErrNoRouting", md, err)
		}
	}
}

func TestControlFrames(t *testing.T) {
	f, err := NewControlFrame(&ControlMessage{
		Kind:     KindServicesExposed,
		Services: []ServiceDescriptor{{Group: "demo", Service: "Echo"}, {Service: ""}},
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := ParseControl(f)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != KindServicesExposed {
		t.Errorf("kind = %s", m.Kind)
	}
	locs := Locators(m.Services)
	if len(locs) != 1 || locs[0].GSV() != "demo:Echo" {
		t.Errorf("locators = %v", locs)
	}
	if Descriptor(locs[0]) != m.Services[0] {
		t.Errorf("descriptor mismatch")
	}

	if _, err := ParseControl(&Frame{Type: FrameMetadataPush, Metadata: []byte(`{}`)}); err == nil {
		t.Error("expected error for missing kind")
	}
	if _, err := ParseControl(&Frame{Type: FramePayload}); err == nil {
		t.Error("expected error for wrong frame type")
	}
}
