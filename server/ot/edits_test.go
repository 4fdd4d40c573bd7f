package ot_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/asadovsky/jupiter/server/ot"
)

func ins(pos int, s string) ot.TextEdit {
	return ot.TextEdit{Pos: pos, Text: s}
}

func del(pos int, s string) ot.TextEdit {
	return ot.TextEdit{Pos: pos, Replaced: s}
}

func rep(pos int, s, replaced string) ot.TextEdit {
	return ot.TextEdit{Pos: pos, Text: s, Replaced: replaced}
}

func split(a, b ot.Op) ot.Op {
	return &ot.Split{First: a, Second: b}
}

func TestToEditsMerges(t *testing.T) {
	run := func(op ot.Op, want ...ot.TextEdit) {
		eq(t, ot.MergeLeaves(ot.Flatten(op)), want)
	}
	I := func(pos int, s string) ot.Op { return &ot.Insert{Pos: pos, Value: s} }
	D := func(pos int, s string) ot.Op { return &ot.Delete{Pos: pos, Value: s} }

	run(split(I(4, "0ab"), I(7, "cd")), ins(4, "0abcd"))
	run(split(I(4, "0ab"), I(4, "cd")), ins(4, "cd0ab"))
	run(split(D(5, "ab"), D(5, "cde")), del(5, "abcde"))
	run(split(I(5, "ab"), D(5, "abcd")), del(5, "cd"))
	run(split(I(5, "abcde"), D(5, "abcd")), ins(5, "e"))
	run(split(D(8, "abc"), I(8, "ghijk")), rep(8, "ghijk", "abc"))
	run(split(split(D(8, "uvw"), I(2, "abcde")), split(D(2, "abcd"), D(15, "xyz"))),
		del(8, "uvw"), ins(2, "e"), del(15, "xyz"))
	run(split(split(D(8, "abc"), D(8, "defg")), split(I(8, "1234"), I(12, "56"))),
		rep(8, "123456", "abcdefg"))

	// An insert removed by the following delete leaves nothing.
	run(split(I(3, "abc"), D(3, "abc")))
	// Once both are dropped the neighbors may merge.
	run(split(split(I(1, "x"), I(5, "yz")), split(D(5, "yz"), I(2, "w"))), ins(1, "xw"))
	// Edits that do not touch are emitted unchanged and in order.
	run(split(I(1, "a"), D(3, "b")), ins(1, "a"), del(3, "b"))
	run(split(D(3, "b"), D(2, "a")), del(3, "b"), del(2, "a"))
	run(split(I(3, "ab"), D(3, "xy")), ins(3, "ab"), del(3, "xy"))
	run(&ot.NoOp{})
	run(I(0, ""))
}

func TestToEditsAttributes(t *testing.T) {
	edits := ot.ToEdits(split(&ot.Delete{Pos: 1, Value: "b"}, &ot.Insert{Pos: 1, Value: "B"}), "notes.txt", "alice")
	eq(t, edits, []ot.TextEdit{{Doc: "notes.txt", Site: "alice", Pos: 1, Text: "B", Replaced: "b"}})
	eq(t, edits[0].String(), `Replace(1,"B","b")`)
}

func TestTextEditApply(t *testing.T) {
	s, err := rep(1, "XY", "bc").Apply("abcd")
	ok(t, err)
	eq(t, s, "aXYd")
	_, err = del(1, "zz").Apply("abcd")
	neq(t, err, nil)
	_, err = ins(5, "z").Apply("abcd")
	neq(t, err, nil)
	_, err = del(math.MaxInt, "ab").Apply("abcd")
	neq(t, err, nil)
}

func TestToEditsPreservesEffect(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const s = "lorem ipsum dolor"
	for i := 0; i < 2000; i++ {
		first := randomOp(rng, s)
		op := ot.Compose(first, randomOp(rng, apply(t, s, first)))
		want := apply(t, s, op)
		text := ot.NewText(s)
		ok(t, text.ApplyEdits(ot.ToEdits(op, "doc", "site")))
		eq(t, text.Value(), want)
	}
}
