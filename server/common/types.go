// Package common defines the messages exchanged between the host and client
// sites over a websocket. Messages are JSON objects.
package common

import (
	"github.com/asadovsky/jupiter/server/ot"
)

// For detecting incoming message type. Each struct below has Type set to the
// struct type name.
type MsgType struct {
	Type string
}

// Sent from client to server.
type Init struct {
	Type  string
	DocId string
}

// Sent from server to client, on join and whenever the client's link has to
// be reset. The client discards its engine and replica.
type Snapshot struct {
	Type   string
	DocId  string
	SiteId string // id for this client
	Epoch  int    // incremented on every reset of the link
	Text   string // current host text
}

// Sent in both directions. Local and Remote form the sender's timestamp for
// the link at generation time. Clients set Epoch to that of the last Snapshot
// they received; the host drops updates from an older epoch.
type Update struct {
	Type   string
	Epoch  int
	SiteId string // site that authored the op; set by the host
	Local  int
	Remote int
	OpStrs []string // encoded ops
}

// Sent in both directions. SiteId names the site whose text was hashed; the
// timestamp is that of the link the message travels on.
type Checksum struct {
	Type   string
	Epoch  int
	SiteId string
	Local  int
	Remote int
	Hash   int64
	Length int
}

// Sent from client to server when the client has detected that its text
// diverged from the host's.
type Resync struct {
	Type  string
	Epoch int
}

// Sent from server to client when a message could not be processed.
type Error struct {
	Type    string
	Message string
}

func NewUpdate(epoch int, s ot.Stamped) *Update {
	return &Update{
		Type:   "Update",
		Epoch:  epoch,
		Local:  s.Timestamp.Local,
		Remote: s.Timestamp.Remote,
		OpStrs: ot.EncodeOps(s.Op),
	}
}

// Stamped decodes the update's ops.
func (u *Update) Stamped() (ot.Stamped, error) {
	op, err := ot.DecodeOps(u.OpStrs)
	if err != nil {
		return ot.Stamped{}, err
	}
	return ot.Stamped{Op: op, Timestamp: ot.Timestamp{Local: u.Local, Remote: u.Remote}}, nil
}

func NewChecksum(epoch int, c ot.Checksum) *Checksum {
	return &Checksum{
		Type:   "Checksum",
		Epoch:  epoch,
		SiteId: c.Site,
		Local:  c.Timestamp.Local,
		Remote: c.Timestamp.Remote,
		Hash:   c.Hash,
		Length: c.Length,
	}
}

func (m *Checksum) Checksum(docId string) ot.Checksum {
	return ot.Checksum{
		Doc:       docId,
		Site:      m.SiteId,
		Timestamp: ot.Timestamp{Local: m.Local, Remote: m.Remote},
		Digest:    ot.Digest{Hash: m.Hash, Length: m.Length},
	}
}
