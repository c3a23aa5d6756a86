package delta

import "math"

// iterator walks a delta in rune-sized slices, splitting ops as needed.
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func newIterator(d Delta) *iterator { return &iterator{ops: d} }

func (it *iterator) hasNext() bool { return it.index < len(it.ops) }

func (it *iterator) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

// peekLen is the remaining length of the current op, unbounded once exhausted.
func (it *iterator) peekLen() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.index].Len() - it.offset
}

// next takes at most n runes from the current op. An exhausted iterator
// yields an implicit retain.
func (it *iterator) next(n int) Op {
	if !it.hasNext() {
		return Op{Kind: KindRetain, Count: n}
	}
	op := it.ops[it.index]
	remain := op.Len() - it.offset
	if n >= remain {
		n = remain
	}
	start := it.offset
	if n == remain {
		it.index++
		it.offset = 0
	} else {
		it.offset += n
	}
	switch op.Kind {
	case KindInsert:
		if start == 0 && n == op.Len() {
			return op
		}
		return Op{Kind: KindInsert, Text: substring(op.Text, start, n), Attrs: op.Attrs}
	case KindRetain:
		return Op{Kind: KindRetain, Count: n, Attrs: op.Attrs}
	default:
		return Op{Kind: KindDelete, Count: n}
	}
}

func (it *iterator) nextAll() Op { return it.next(math.MaxInt) }

// take collects n runes worth of ops, possibly spanning several.
func (it *iterator) take(n int) []Op {
	var out []Op
	for n > 0 && it.hasNext() {
		op := it.next(n)
		n -= op.Len()
		out = append(out, op)
	}
	return out
}

func substring(s string, start, n int) string {
	r := []rune(s)
	return string(r[start : start+n])
}
