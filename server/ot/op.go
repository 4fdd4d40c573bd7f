// Package ot implements the Jupiter operational transformation engine for
// plain text: operations, the inclusion transformation, vector timestamps,
// the per-link engine, the operation-to-edit converter and the checksum
// detector.
package ot

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidOp is returned when an operation cannot be constructed or
	// applied.
	ErrInvalidOp = errors.New("ot: invalid operation")
)

// MaxPos is the largest position an op may be constructed with. Transforms
// shift positions by the length of other ops, which must not overflow.
const MaxPos = math.MaxInt32

// Op is an operation. Ops are immutable once constructed.
type Op interface {
	Apply(s string) (string, error)
	Invert() Op
	String() string
}

// Insert represents a text insertion.
type Insert struct {
	Pos   int
	Value string
}

// Delete represents a text deletion. Value is the deleted text.
type Delete struct {
	Pos   int
	Value string
}

// NoOp leaves the text unchanged.
type NoOp struct{}

// Split applies First and then Second.
type Split struct {
	First  Op
	Second Op
}

// NewInsert returns an Insert, or ErrInvalidOp if pos is out of range.
func NewInsert(pos int, value string) (*Insert, error) {
	if pos < 0 || pos > MaxPos {
		return nil, fmt.Errorf("%w: insert at %d", ErrInvalidOp, pos)
	}
	return &Insert{pos, value}, nil
}

// NewDelete returns a Delete, or ErrInvalidOp if pos is out of range.
func NewDelete(pos int, value string) (*Delete, error) {
	if pos < 0 || pos > MaxPos {
		return nil, fmt.Errorf("%w: delete at %d", ErrInvalidOp, pos)
	}
	return &Delete{pos, value}, nil
}

func (op *Insert) Apply(s string) (string, error) {
	if op.Pos < 0 || op.Pos > len(s) {
		return "", fmt.Errorf("%w: insert out of bounds", ErrInvalidOp)
	}
	return s[:op.Pos] + op.Value + s[op.Pos:], nil
}

func (op *Insert) Invert() Op {
	return &Delete{op.Pos, op.Value}
}

func (op *Insert) String() string {
	return fmt.Sprintf("Insert(%d,%q)", op.Pos, op.Value)
}

// End returns the position just past the inserted text.
func (op *Insert) End() int {
	return op.Pos + len(op.Value)
}

func (op *Delete) Apply(s string) (string, error) {
	if op.Pos < 0 || op.Pos > len(s) || len(op.Value) > len(s)-op.Pos {
		return "", fmt.Errorf("%w: delete out of bounds", ErrInvalidOp)
	}
	end := op.Pos + len(op.Value)
	if s[op.Pos:end] != op.Value {
		return "", fmt.Errorf("%w: delete %q does not match %q", ErrInvalidOp, op.Value, s[op.Pos:end])
	}
	return s[:op.Pos] + s[end:], nil
}

func (op *Delete) Invert() Op {
	return &Insert{op.Pos, op.Value}
}

func (op *Delete) String() string {
	return fmt.Sprintf("Delete(%d,%q)", op.Pos, op.Value)
}

// End returns the position just past the deleted span.
func (op *Delete) End() int {
	return op.Pos + len(op.Value)
}

func (op *NoOp) Apply(s string) (string, error) {
	return s, nil
}

func (op *NoOp) Invert() Op {
	return op
}

func (op *NoOp) String() string {
	return "NoOp"
}

func (op *Split) Apply(s string) (string, error) {
	s, err := op.First.Apply(s)
	if err != nil {
		return "", err
	}
	return op.Second.Apply(s)
}

// Invert undoes Second before First.
func (op *Split) Invert() Op {
	return &Split{op.Second.Invert(), op.First.Invert()}
}

func (op *Split) String() string {
	return fmt.Sprintf("Split(%v,%v)", op.First, op.Second)
}

// Flatten returns the leaves of op in application order. NoOps are dropped.
func Flatten(op Op) []Op {
	var leaves []Op
	var walk func(Op)
	walk = func(op Op) {
		switch o := op.(type) {
		case *Split:
			walk(o.First)
			walk(o.Second)
		case *NoOp, nil:
		default:
			leaves = append(leaves, o)
		}
	}
	walk(op)
	return leaves
}

// Compose chains ops into a left-nested Split. It returns NoOp for no ops and
// the op itself for a single op.
func Compose(ops ...Op) Op {
	var res Op
	for _, op := range ops {
		if op == nil {
			continue
		}
		if _, ok := op.(*NoOp); ok {
			continue
		}
		if res == nil {
			res = op
		} else {
			res = &Split{res, op}
		}
	}
	if res == nil {
		return &NoOp{}
	}
	return res
}

// IsNoOp reports whether op has no effect on any text.
func IsNoOp(op Op) bool {
	for _, leaf := range Flatten(op) {
		switch l := leaf.(type) {
		case *Insert:
			if l.Value != "" {
				return false
			}
		case *Delete:
			if l.Value != "" {
				return false
			}
		}
	}
	return true
}

// Wire encoding is "i,P,value", "d,P,value" and "n", where P is the byte
// offset at which the leaf applies. Splits are sent as their leaves.

func encodeLeaf(op Op) string {
	switch o := op.(type) {
	case *Insert:
		return fmt.Sprintf("i,%d,%s", o.Pos, o.Value)
	case *Delete:
		return fmt.Sprintf("d,%d,%s", o.Pos, o.Value)
	default:
		return "n"
	}
}

// DecodeOp returns a leaf Op given an encoded leaf.
func DecodeOp(s string) (Op, error) {
	if s == "n" {
		return &NoOp{}, nil
	}
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: failed to parse op: %s", ErrInvalidOp, s)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	switch t := parts[0]; t {
	case "i":
		return NewInsert(pos, parts[2])
	case "d":
		return NewDelete(pos, parts[2])
	default:
		return nil, fmt.Errorf("%w: unknown op type: %s", ErrInvalidOp, t)
	}
}

// EncodeOps encodes the leaves of op.
func EncodeOps(op Op) []string {
	leaves := Flatten(op)
	strs := make([]string, len(leaves))
	for i, v := range leaves {
		strs[i] = encodeLeaf(v)
	}
	return strs
}

// DecodeOps decodes leaves and composes them into a single Op.
func DecodeOps(strs []string) (Op, error) {
	ops := make([]Op, len(strs))
	for i, v := range strs {
		op, err := DecodeOp(v)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return Compose(ops...), nil
}
