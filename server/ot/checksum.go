package ot

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Digest summarizes a document value.
type Digest struct {
	Hash   int64
	Length int
}

func DigestOf(s string) Digest {
	return Digest{Hash: int64(xxhash.Sum64String(s)), Length: len(s)}
}

// Checksum is a digest of a site's replica, qualified by the timestamp of the
// link it travels on.
type Checksum struct {
	Doc       string
	Site      string
	Timestamp Timestamp
	Digest
}

// WithTimestamp returns a copy of c stamped with ts.
func (c Checksum) WithTimestamp(ts Timestamp) Checksum {
	c.Timestamp = ts
	return c
}

// Result is the outcome of a checksum comparison.
type Result int

const (
	Consistent Result = iota
	Diverged
	Stale
)

func (r Result) String() string {
	switch r {
	case Consistent:
		return "consistent"
	case Diverged:
		return "diverged"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Check compares a local digest against a current remote checksum.
func Check(local Digest, remote Checksum) Result {
	if local == remote.Digest {
		return Consistent
	}
	return Diverged
}

// Divergence describes a replica that no longer matches a peer's.
type Divergence struct {
	Doc    string
	Site   string // site whose checksum disagreed
	Local  Digest
	Remote Checksum
}

func (d Divergence) String() string {
	return fmt.Sprintf("doc %s diverged from site %s: local %d/%x, remote %d/%x at %v",
		d.Doc, d.Site, d.Local.Length, uint64(d.Local.Hash), d.Remote.Length, uint64(d.Remote.Hash), d.Remote.Timestamp)
}

// Detector checks incoming checksums against a replica. Repair is left to
// Report.
type Detector struct {
	Report func(Divergence)
}

// Verify compares c against t if c is current for e. Stale checksums are not
// compared.
func (d *Detector) Verify(e *Engine, t *Text, c Checksum) Result {
	if !e.IsCurrent(c.Timestamp) {
		return Stale
	}
	local := t.Digest()
	res := Check(local, c)
	if res == Diverged && d.Report != nil {
		d.Report(Divergence{Doc: c.Doc, Site: c.Site, Local: local, Remote: c})
	}
	return res
}
