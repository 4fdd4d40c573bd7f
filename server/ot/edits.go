package ot

import (
	"fmt"
	"strings"
)

// TextEdit is a concrete change to a text buffer: Replaced is removed at Pos
// and Text is inserted in its place. An edit with both fields set is a
// replacement.
type TextEdit struct {
	Doc      string
	Site     string // site that authored the change
	Pos      int
	Text     string
	Replaced string
}

func (e TextEdit) isInsert() bool {
	return e.Text != "" && e.Replaced == ""
}

func (e TextEdit) isDelete() bool {
	return e.Text == "" && e.Replaced != ""
}

func (e TextEdit) empty() bool {
	return e.Text == "" && e.Replaced == ""
}

func (e TextEdit) Apply(s string) (string, error) {
	if e.Pos < 0 || e.Pos > len(s) || len(e.Replaced) > len(s)-e.Pos {
		return "", fmt.Errorf("%w: edit out of bounds", ErrInvalidOp)
	}
	end := e.Pos + len(e.Replaced)
	if s[e.Pos:end] != e.Replaced {
		return "", fmt.Errorf("%w: edit replaces %q, found %q", ErrInvalidOp, e.Replaced, s[e.Pos:end])
	}
	return s[:e.Pos] + e.Text + s[end:], nil
}

func (e TextEdit) String() string {
	switch {
	case e.isInsert():
		return fmt.Sprintf("Insert(%d,%q)", e.Pos, e.Text)
	case e.isDelete():
		return fmt.Sprintf("Delete(%d,%q)", e.Pos, e.Replaced)
	default:
		return fmt.Sprintf("Replace(%d,%q,%q)", e.Pos, e.Text, e.Replaced)
	}
}

// ToEdits converts op into the shortest sequence of edits with the same
// effect, attributed to doc and site.
func ToEdits(op Op, doc, site string) []TextEdit {
	edits := MergeLeaves(Flatten(op))
	for i := range edits {
		edits[i].Doc = doc
		edits[i].Site = site
	}
	return edits
}

// MergeLeaves turns leaf ops into edits, merging each edit into the one
// before it while the two touch. Edits that do not touch are kept in order.
func MergeLeaves(leaves []Op) []TextEdit {
	var res []TextEdit
	for _, leaf := range leaves {
		var e TextEdit
		switch l := leaf.(type) {
		case *Insert:
			e = TextEdit{Pos: l.Pos, Text: l.Value}
		case *Delete:
			e = TextEdit{Pos: l.Pos, Replaced: l.Value}
		}
		if e.empty() {
			continue
		}
		res = reduce(append(res, e))
	}
	if len(res) == 0 {
		return nil
	}
	return res
}

func reduce(edits []TextEdit) []TextEdit {
	for len(edits) >= 2 {
		n := len(edits)
		merged, ok := merge(edits[n-2], edits[n-1])
		if !ok {
			break
		}
		edits = edits[:n-2]
		if !merged.empty() {
			edits = append(edits, merged)
		}
	}
	return edits
}

// merge combines a with a following insert or delete b.
func merge(a, b TextEdit) (TextEdit, bool) {
	switch {
	case b.isInsert() && a.Text != "" && b.Pos == a.Pos+len(a.Text):
		a.Text += b.Text
	case b.isInsert() && a.Text != "" && b.Pos == a.Pos:
		a.Text = b.Text + a.Text
	case b.isInsert() && a.isDelete() && b.Pos == a.Pos:
		a.Text = b.Text
	case b.isDelete() && a.isDelete() && b.Pos == a.Pos:
		a.Replaced += b.Replaced
	case b.isDelete() && a.Text != "" && b.Pos == a.Pos && strings.HasPrefix(a.Text, b.Replaced):
		a.Text = a.Text[len(b.Replaced):]
	case b.isDelete() && a.Text != "" && b.Pos == a.Pos && strings.HasPrefix(b.Replaced, a.Text):
		a.Replaced += b.Replaced[len(a.Text):]
		a.Text = ""
	default:
		return a, false
	}
	return a, true
}
