package broker

import (
	"context"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

// controlLoop reads control messages until the control stream ends.
func (a *Acceptor) controlLoop(ctx context.Context, r *Responder) {
	for {
		f, err := protocol.ReadFrame(r.ctrl, a.cfg.MaxFrameSize)
		if err != nil {
			return
		}
		msg, err := protocol.ParseControl(f)
		if err != nil {
			r.logger.Warnf("bad control message", map[string]any{"error": err.Error()})
			continue
		}
		a.handleControl(ctx, r, msg)
	}
}

func (a *Acceptor) handleControl(_ context.Context, r *Responder, msg *protocol.ControlMessage) {
	reg := a.cfg.Registry
	id, weight := r.inst.ID, r.inst.Weight

	switch msg.Kind {
	case protocol.KindServicesExposed:
		locs := protocol.Locators(msg.Services)
		if len(locs) == 0 {
			return
		}
		if !reg.RegisterConnected(r.inst, locs...) {
			r.logger.Warnf("services exposed after close ignored", map[string]any{"status": r.inst.Status().String()})
			return
		}
		r.publisher.Store(true)
		r.logger.Infof("services exposed", map[string]any{"services": gsvs(locs)})

	case protocol.KindServicesHidden:
		locs := protocol.Locators(msg.Services)
		for _, loc := range locs {
			reg.UnregisterService(id, weight, loc.ID())
		}
		r.logger.Infof("services hidden", map[string]any{"services": gsvs(locs)})

	case protocol.KindAppStatus:
		switch msg.Status {
		case protocol.StatusStopped:
			r.inst.SetStatus(registry.StatusStopped)
			reg.Unregister(id, weight)
			r.logger.Info("instance stopped serving")
		default:
			r.logger.Debugf("app status ignored", map[string]any{"status": msg.Status})
		}

	case protocol.KindSubscribe:
		locs := protocol.Locators(msg.Services)
		sids := make([]uint32, 0, len(locs))
		for _, loc := range locs {
			sids = append(sids, loc.ID())
		}
		reg.Subscribe(id, sids, func(e registry.Event) {
			a.pushServiceChange(r, e)
		})

	default:
		r.logger.Warnf("unknown control message", map[string]any{"kind": msg.Kind})
	}
}

func (a *Acceptor) pushServiceChange(r *Responder, e registry.Event) {
	change := protocol.ChangeAdded
	if e.Kind == registry.EventUnregistered {
		change = protocol.ChangeRemoved
	}
	msg := &protocol.ControlMessage{
		Kind:       protocol.KindServicesChanged,
		Services:   []protocol.ServiceDescriptor{protocol.Descriptor(e.Locator)},
		InstanceID: e.InstanceID,
		Change:     change,
	}
	if inst, ok := a.cfg.Registry.Instance(e.InstanceID); ok {
		msg.UUID = inst.UUID
		msg.Name = inst.Name
	}

	var m *metrics.BroadcastMetrics
	if a.cfg.Broadcaster != nil {
		m = a.cfg.Broadcaster.metrics
	}
	if err := r.Push(msg); err != nil {
		if m != nil {
			m.RecordFailure(string(msg.Kind))
		}
		return
	}
	if m != nil {
		m.RecordSent(string(msg.Kind), AudienceSubscriber)
	}
}

func gsvs(locs []registry.ServiceLocator) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.GSV()
	}
	return out
}
