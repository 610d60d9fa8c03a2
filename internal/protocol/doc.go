// Package protocol implements the broker wire format.
//
// Every multiplexed stream carries length-prefixed frames:
//
//	uint32 length | uint8 type | uint8 flags | uint32 metadataLen | metadata | data
//
// The first stream a peer opens on a session is the control stream. It starts
// with a SETUP frame answered by a PAYLOAD (accepted) or ERROR (rejected) frame
// and afterwards carries METADATA_PUSH control messages in both directions.
// Every other stream is one interaction:
//
//	// request-response
//	WriteFrame(stream, NewRequestFrame(FrameRequestResponse, routingMD, data))
//	reply, err := ReadFrame(stream, DefaultMaxFrameSize) // PAYLOAD|COMPLETE or ERROR
//
// Request-stream replies with PAYLOAD|NEXT frames terminated by a frame
// carrying COMPLETE or by an ERROR. Fire-and-forget gets no reply. A requester
// cancels by sending CANCEL or closing the stream.
//
// Setup, routing and control metadata are JSON documents.
package protocol
