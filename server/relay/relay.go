// Package relay turns pairwise Jupiter links into a star: the host keeps one
// engine per remote site for each shared document and mediates every
// exchange between sites.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/asadovsky/jupiter/server/ot"
)

// ErrUnknownPeer is returned when an activity arrives from a site that has no
// engine for the document, e.g. because it raced with the site joining or
// leaving.
var ErrUnknownPeer = errors.New("relay: unknown peer")

// Relay holds the host ends of all links for one document. All methods are
// serialized by a single lock.
type Relay struct {
	doc       string
	transform ot.TransformFunc

	mu      sync.Mutex // protects engines
	engines map[string]*ot.Engine
}

// New returns a relay for doc. A nil tf selects ot.Transform.
func New(doc string, tf ot.TransformFunc) *Relay {
	if tf == nil {
		tf = ot.Transform
	}
	return &Relay{
		doc:       doc,
		transform: tf,
		engines:   make(map[string]*ot.Engine),
	}
}

// Doc returns the document id.
func (r *Relay) Doc() string {
	return r.doc
}

// AddPeer creates an engine for site unless one exists.
func (r *Relay) AddPeer(site string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addPeerLocked(site)
}

func (r *Relay) addPeerLocked(site string) {
	if _, ok := r.engines[site]; !ok {
		r.engines[site] = ot.NewEngine(true, r.transform)
	}
}

// RemovePeer removes the engine for site and reports whether it existed.
func (r *Relay) RemovePeer(site string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.engines[site]
	delete(r.engines, site)
	return ok
}

// ResetPeer replaces the engine for site with a fresh one. The site must be
// sent the current document content before any further relayed ops.
func (r *Relay) ResetPeer(site string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, site)
	r.addPeerLocked(site)
}

// Peers returns the registered sites in sorted order.
func (r *Relay) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.engines))
	for site := range r.engines {
		peers = append(peers, site)
	}
	sort.Strings(peers)
	return peers
}

// Timestamp returns the host-side timestamp of the link to site.
func (r *Relay) Timestamp(site string) (ot.Timestamp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[site]
	if !ok {
		return ot.Timestamp{}, false
	}
	return e.Timestamp(), true
}

// Relay integrates op from source and restamps the resulting canonical op for
// every other site. The canonical op applies to the host's own replica.
// ot.ErrOutOfOrder leaves the source's engine unusable; reset it.
func (r *Relay) Relay(source string, op ot.Op, ts ot.Timestamp) (ot.Op, map[string]ot.Stamped, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	canonical, err := r.integrateLocked(source, op, ts)
	if err != nil {
		return nil, nil, err
	}
	return canonical, r.forwardLocked(canonical, source), nil
}

// Integrate is the first half of Relay. It lets the caller check the
// canonical op against its replica before calling Forward.
func (r *Relay) Integrate(source string, op ot.Op, ts ot.Timestamp) (ot.Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.integrateLocked(source, op, ts)
}

func (r *Relay) integrateLocked(source string, op ot.Op, ts ot.Timestamp) (ot.Op, error) {
	e, ok := r.engines[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownPeer, source, r.doc)
	}
	canonical, err := e.Integrate(op, ts)
	if err != nil {
		return nil, fmt.Errorf("relay %s from %s: %w", r.doc, source, err)
	}
	return canonical, nil
}

// Forward stamps a canonical op for every site except source.
func (r *Relay) Forward(op ot.Op, source string) map[string]ot.Stamped {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwardLocked(op, source)
}

// Generate stamps an op performed on the host's own replica for every site.
func (r *Relay) Generate(op ot.Op) map[string]ot.Stamped {
	return r.Forward(op, "")
}

func (r *Relay) forwardLocked(op ot.Op, except string) map[string]ot.Stamped {
	out := make(map[string]ot.Stamped, len(r.engines))
	for site, e := range r.engines {
		if site != except {
			out[site] = e.Generate(op)
		}
	}
	return out
}

// IsCurrent reports whether c describes the state of the link from its
// source site.
func (r *Relay) IsCurrent(c ot.Checksum) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[c.Site]
	if !ok {
		return false, fmt.Errorf("%w: %s in %s", ErrUnknownPeer, c.Site, r.doc)
	}
	return e.IsCurrent(c.Timestamp), nil
}

// Verify checks c against the host replica t using the link from c's source
// site.
func (r *Relay) Verify(d *ot.Detector, t *ot.Text, c ot.Checksum) (ot.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[c.Site]
	if !ok {
		return ot.Stale, fmt.Errorf("%w: %s in %s", ErrUnknownPeer, c.Site, r.doc)
	}
	return d.Verify(e, t, c), nil
}

// RelayChecksum restamps c for every other site. A checksum that is no longer
// current is dropped and the result is empty.
func (r *Relay) RelayChecksum(c ot.Checksum) (map[string]ot.Checksum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[c.Site]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnknownPeer, c.Site, r.doc)
	}
	out := make(map[string]ot.Checksum)
	if !e.IsCurrent(c.Timestamp) {
		return out, nil
	}
	for site, peer := range r.engines {
		if site != c.Site {
			out[site] = c.WithTimestamp(peer.Timestamp())
		}
	}
	return out, nil
}
