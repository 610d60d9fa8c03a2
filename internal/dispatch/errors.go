package dispatch

import (
	"errors"
	"fmt"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
)

type codedError struct {
	msg  string
	code protocol.Code
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) ErrorCode() protocol.Code { return e.code }

var (
	// ErrRoutingMetadataMissing means the call names no destination.
	ErrRoutingMetadataMissing error = &codedError{"routing metadata missing", protocol.CodeRoutingMissing}

	// ErrServiceNotFound means no provider exists locally or upstream.
	ErrServiceNotFound error = &codedError{"service not found", protocol.CodeServiceNotFound}

	// ErrEndpointNotFound means an endpoint hint matched no connected instance.
	ErrEndpointNotFound error = &codedError{"endpoint not found", protocol.CodeEndpointNotFound}

	// ErrAuthorizationDenied means mesh authorization refused the chosen
	// provider. It never falls back to another provider.
	ErrAuthorizationDenied error = &codedError{"authorization denied", protocol.CodeUnauthorized}
)

// NotFoundError carries the service a call could not be resolved for.
type NotFoundError struct {
	GSV       string
	ServiceID uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service not found: %s", e.GSV)
}

func (e *NotFoundError) Unwrap() error { return ErrServiceNotFound }

func (e *NotFoundError) ErrorCode() protocol.Code { return protocol.CodeServiceNotFound }

// IsNotFound reports whether err means no provider exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound)
}
