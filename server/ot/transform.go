package ot

// TransformFunc derives the bottom two sides of the OT diamond: given a and b,
// both performed against the same text, it returns a' (a performed after b)
// and b' (b performed after a). When a and b insert at the same position,
// aFirst decides whose text ends up on the left.
type TransformFunc func(a, b Op, aFirst bool) (ap, bp Op)

// Transform is the inclusion transformation for Insert and Delete. Splits are
// flattened and transformed one leaf pair at a time, then recomposed. Leaves
// that have no effect are dropped.
func Transform(a, b Op, aFirst bool) (ap, bp Op) {
	as, bs := xform(leaves(a), leaves(b), aFirst)
	return Compose(as...), Compose(bs...)
}

func leaves(op Op) []Op {
	var res []Op
	for _, leaf := range Flatten(op) {
		if !IsNoOp(leaf) {
			res = append(res, leaf)
		}
	}
	return res
}

func concat(a, b []Op) []Op {
	res := make([]Op, 0, len(a)+len(b))
	res = append(res, a...)
	return append(res, b...)
}

// xform transforms two concurrent leaf sequences. A sequence is split into
// its head and tail; the tail is then transformed against the other side as
// already transformed past the head.
func xform(as, bs []Op, aFirst bool) ([]Op, []Op) {
	switch {
	case len(as) == 0 || len(bs) == 0:
		return as, bs
	case len(as) == 1 && len(bs) == 1:
		return transformLeaves(as[0], bs[0], aFirst)
	case len(as) > 1:
		a1, b1 := xform(as[:1], bs, aFirst)
		a2, b2 := xform(as[1:], b1, aFirst)
		return concat(a1, a2), b2
	default:
		a1, b1 := xform(as, bs[:1], aFirst)
		a2, b2 := xform(a1, bs[1:], aFirst)
		return a2, concat(b1, b2)
	}
}

func transformLeaves(a, b Op, aFirst bool) (ap, bp []Op) {
	switch ai := a.(type) {
	case *Insert:
		switch bi := b.(type) {
		case *Insert:
			if ai.Pos < bi.Pos || (ai.Pos == bi.Pos && aFirst) {
				return []Op{a}, []Op{&Insert{bi.Pos + len(ai.Value), bi.Value}}
			}
			return []Op{&Insert{ai.Pos + len(bi.Value), ai.Value}}, []Op{b}
		case *Delete:
			return transformInsertDelete(ai, bi)
		}
	case *Delete:
		switch bi := b.(type) {
		case *Insert:
			ins, del := transformInsertDelete(bi, ai)
			return del, ins
		case *Delete:
			return transformDeleteDelete(ai, bi)
		}
	}
	return []Op{a}, []Op{b}
}

// transformInsertDelete derives the bottom two sides of the OT diamond, where
// the top two sides are an insert and a delete.
func transformInsertDelete(a *Insert, b *Delete) (ap, bp []Op) {
	if a.Pos <= b.Pos {
		// Insert before delete. Delete shifts forward.
		return []Op{a}, []Op{&Delete{b.Pos + len(a.Value), b.Value}}
	} else if a.Pos >= b.End() {
		// Insert after delete. Insert shifts backward.
		return []Op{&Insert{a.Pos - len(b.Value), a.Value}}, []Op{b}
	}
	// Insert inside the delete range. The insert moves to the start of the
	// deleted range and the delete is split around the inserted text.
	n := a.Pos - b.Pos
	return []Op{&Insert{b.Pos, a.Value}}, []Op{
		&Delete{b.Pos, b.Value[:n]},
		&Delete{b.Pos + len(a.Value), b.Value[n:]},
	}
}

func transformDeleteDelete(a, b *Delete) (ap, bp []Op) {
	if a.End() <= b.Pos {
		return []Op{a}, []Op{&Delete{b.Pos - len(a.Value), b.Value}}
	} else if b.End() <= a.Pos {
		return []Op{&Delete{a.Pos - len(b.Value), a.Value}}, []Op{b}
	}
	// Deletions overlap. Each side keeps only what the other did not remove.
	pos := minInt(a.Pos, b.Pos)
	return withoutOverlap(pos, a, b), withoutOverlap(pos, b, a)
}

// withoutOverlap returns d minus the part of it that other also deletes. The
// two remaining pieces of d are adjacent once other is applied.
func withoutOverlap(pos int, d, other *Delete) []Op {
	head := clampInt(other.Pos-d.Pos, 0, len(d.Value))
	tail := clampInt(other.End()-d.Pos, head, len(d.Value))
	rest := d.Value[:head] + d.Value[tail:]
	if rest == "" {
		return nil
	}
	return []Op{&Delete{pos, rest}}
}

////////////////////////////////////////
// Internal helpers

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
