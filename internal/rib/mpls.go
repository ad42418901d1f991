package rib

import (
	"github.com/dantte-lp/gorouted/internal/ibus"
)

// labelRoute is an MPLS forwarding entry keyed by its local label. It
// optionally shadows an IP route whose outgoing label stack is kept in
// lock-step with the binding.
type labelRoute struct {
	nexthops []ibus.Nexthop
	ipRoute  *ibus.RouteKeyMsg
	flags    RouteFlags
}

// AddLabel installs or replaces the forwarding entry for a local label
// and queues it for the next drain.
func (r *RIB) AddLabel(msg ibus.LabelMsg) {
	if msg.Label.IsReserved() {
		r.logger.Warn("refusing to install reserved label", "label", uint32(msg.Label))
		return
	}
	r.mpls[msg.Label] = &labelRoute{
		nexthops: msg.Nexthops,
		ipRoute:  msg.Route,
	}
	r.labelQueue[msg.Label] = struct{}{}
}

// RemoveLabel flags the label entry for removal at the next drain.
func (r *RIB) RemoveLabel(label ibus.Label) {
	entry, ok := r.mpls[label]
	if !ok {
		return
	}
	entry.flags |= FlagRemoved
	r.labelQueue[label] = struct{}{}
}

func (r *RIB) drainLabel(label ibus.Label) {
	entry, ok := r.mpls[label]
	if !ok {
		return
	}

	if entry.flags&FlagRemoved != 0 {
		delete(r.mpls, label)
		r.bus.Publish(ibus.FIBLabelMsg{Install: false, Label: label})
		r.stripIPRouteLabels(entry)
		return
	}

	entry.flags |= FlagActive
	r.bus.Publish(ibus.FIBLabelMsg{
		Install:  true,
		Label:    label,
		Nexthops: entry.nexthops,
	})
	r.syncIPRouteLabels(entry)
}

// syncIPRouteLabels copies the label entry's outgoing stack onto the
// nexthops of the referenced IP route and reprograms it.
func (r *RIB) syncIPRouteLabels(entry *labelRoute) {
	route := r.lockstepRoute(entry)
	if route == nil {
		return
	}
	for i := range route.Nexthops {
		for _, nh := range entry.nexthops {
			if route.Nexthops[i].Addr == nh.Addr {
				route.Nexthops[i].Labels = nh.Labels
			}
		}
	}
	r.publishFIB(entry.ipRoute.Prefix.Masked(), route, true)
}

// stripIPRouteLabels clears label stacks from the referenced IP route
// after the binding is gone and reprograms it unlabelled.
func (r *RIB) stripIPRouteLabels(entry *labelRoute) {
	route := r.lockstepRoute(entry)
	if route == nil {
		return
	}
	for i := range route.Nexthops {
		route.Nexthops[i].Labels = nil
	}
	r.publishFIB(entry.ipRoute.Prefix.Masked(), route, true)
}

func (r *RIB) lockstepRoute(entry *labelRoute) *Route {
	if entry.ipRoute == nil {
		return nil
	}
	pfx := entry.ipRoute.Prefix.Masked()
	dest, ok := r.tableFor(pfx).Get(pfx)
	if !ok {
		return nil
	}
	for _, route := range dest.routes {
		if route.Flags&FlagActive != 0 && route.Protocol == entry.ipRoute.Protocol {
			return route
		}
	}
	return nil
}
