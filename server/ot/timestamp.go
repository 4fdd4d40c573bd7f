package ot

import "fmt"

// Timestamp is the two-component vector time of one end of a Jupiter link.
// Local counts operations generated on this end, Remote counts operations
// integrated from the other end.
type Timestamp struct {
	Local  int
	Remote int
}

func (t Timestamp) String() string {
	return fmt.Sprintf("[%d,%d]", t.Local, t.Remote)
}

// Stamped is an operation together with the timestamp it was generated at.
type Stamped struct {
	Op        Op
	Timestamp Timestamp
}

func (s Stamped) String() string {
	return fmt.Sprintf("%v@%v", s.Op, s.Timestamp)
}
