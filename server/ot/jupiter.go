package ot

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is returned by Integrate when an incoming timestamp cannot be
// placed in the engine's history. The engine must be discarded.
var ErrOutOfOrder = errors.New("ot: out-of-order timestamp")

type queued struct {
	op    Op
	local int // Timestamp.Local at generation
}

// Engine is one end of a Jupiter link for one document. It is not safe for
// concurrent use; callers serialize Generate and Integrate.
type Engine struct {
	host      bool
	transform TransformFunc
	ts        Timestamp
	acked     int // highest Remote seen in an incoming timestamp
	outgoing  []queued
}

// NewEngine returns an engine with a zero timestamp and an empty queue. host
// says whether this end of the link is the host side; it breaks ties between
// concurrent inserts at the same position so that both ends agree. A nil tf
// selects Transform.
func NewEngine(host bool, tf TransformFunc) *Engine {
	if tf == nil {
		tf = Transform
	}
	return &Engine{host: host, transform: tf}
}

// Timestamp returns the current vector time.
func (e *Engine) Timestamp() Timestamp {
	return e.ts
}

// Pending returns the number of generated operations not yet acknowledged.
func (e *Engine) Pending() int {
	return len(e.outgoing)
}

// Generate stamps a locally performed op for transmission to the peer.
func (e *Engine) Generate(op Op) Stamped {
	s := Stamped{Op: op, Timestamp: e.ts}
	e.outgoing = append(e.outgoing, queued{op, e.ts.Local})
	e.ts.Local++
	return s
}

// Integrate transforms an op received from the peer so that it can be
// applied to the local text, which may already reflect local ops the peer
// had not seen. The queued local ops are transformed in turn.
func (e *Engine) Integrate(op Op, ts Timestamp) (Op, error) {
	if ts.Local != e.ts.Remote {
		return nil, fmt.Errorf("%w: got local %d, want %d", ErrOutOfOrder, ts.Local, e.ts.Remote)
	}
	if ts.Remote > e.ts.Local {
		return nil, fmt.Errorf("%w: peer acknowledges %d ops, only %d generated", ErrOutOfOrder, ts.Remote, e.ts.Local)
	}
	if ts.Remote < e.acked {
		return nil, fmt.Errorf("%w: acknowledgement went back from %d to %d", ErrOutOfOrder, e.acked, ts.Remote)
	}
	e.acked = ts.Remote

	// Discard acknowledged ops.
	i := 0
	for i < len(e.outgoing) && e.outgoing[i].local < ts.Remote {
		i++
	}
	e.outgoing = e.outgoing[i:]

	// The remote op was generated before any of the remaining local ops.
	for j := range e.outgoing {
		var local Op
		op, local = e.transform(op, e.outgoing[j].op, !e.host)
		e.outgoing[j].op = local
	}
	e.ts.Remote++
	return op, nil
}

// IsCurrent reports whether ts describes exactly the state this engine is in:
// the peer had integrated everything generated here, and everything the peer
// generated has been integrated here.
func (e *Engine) IsCurrent(ts Timestamp) bool {
	return ts.Local == e.ts.Remote && ts.Remote == e.ts.Local
}
