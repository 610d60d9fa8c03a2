package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
)

// Requester is the connection a call arrives on. Sticky bindings live on it
// so they die with the connection.
type Requester interface {
	Principal() *auth.Principal
	StickyBinding(serviceID uint32) (instanceID uint32, ok bool)
	BindSticky(serviceID, instanceID uint32)
	MarkConsumed()
}

// Session holds the per-connection dispatch state. Connection types embed it
// to satisfy the state half of Requester.
type Session struct {
	sticky   sync.Map // service id -> instance id
	consumed atomic.Bool
}

func (s *Session) StickyBinding(serviceID uint32) (uint32, bool) {
	v, ok := s.sticky.Load(serviceID)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

func (s *Session) BindSticky(serviceID, instanceID uint32) {
	s.sticky.Store(serviceID, instanceID)
}

// MarkConsumed records that the connection resolved at least one call.
func (s *Session) MarkConsumed() {
	s.consumed.Store(true)
}

// Consumed reports whether MarkConsumed was ever called.
func (s *Session) Consumed() bool {
	return s.consumed.Load()
}
