package node

import (
	"fmt"

	"docsync/backend/internal/ot/delta"
)

// Transform rewrites two concurrent op lists against the same tree so that
// applying a then b2 equals applying b then a2. a wins ties.
func Transform(a, b Operations) (a2, b2 Operations, err error) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b, nil
	case len(a) == 1 && len(b) == 1:
		return transformPair(a[0], b[0])
	case len(a) > 1:
		head, rest, err := Transform(a[:1], b)
		if err != nil {
			return nil, nil, err
		}
		tail, rest, err := Transform(a[1:], rest)
		if err != nil {
			return nil, nil, err
		}
		return append(head, tail...), rest, nil
	default:
		aa, head, err := Transform(a, b[:1])
		if err != nil {
			return nil, nil, err
		}
		aa, tail, err := Transform(aa, b[1:])
		if err != nil {
			return nil, nil, err
		}
		return aa, append(head, tail...), nil
	}
}

func transformPair(a, b Operation) (Operations, Operations, error) {
	a2 := shift(b, a, true)
	b2 := shift(a, b, false)
	if len(a2) != 1 || len(b2) != 1 || !a2[0].Path.Equal(b2[0].Path) || a2[0].Kind != b2[0].Kind {
		return a2, b2, nil
	}
	x, y := a2[0], b2[0]
	switch x.Kind {
	case OpUpdateAttributes:
		at, bt := x.Attrs.Transform(y.Attrs)
		old := x.OldAttrs.Clone()
		for k := range at {
			if v, ok := y.Attrs[k]; ok {
				if old == nil {
					old = delta.AttributeMap{}
				}
				old[k] = v
			}
		}
		x.Attrs, x.OldAttrs = at, old
		y.Attrs = bt
	case OpUpdateBody:
		if x.Changeset == nil || y.Changeset == nil {
			return nil, nil, fmt.Errorf("update_body at %s: missing changeset: %w", x.Path, ErrInvalidTree)
		}
		da, db, err := delta.Transform(x.Changeset.Delta, y.Changeset.Delta)
		if err != nil {
			return nil, nil, err
		}
		// the inverses no longer match the rewritten edits; Tree.Invert recomputes them
		x.Changeset = &Changeset{Delta: da}
		y.Changeset = &Changeset{Delta: db}
	}
	return Operations{x}, Operations{y}, nil
}

// shift rewrites op so it applies after by. priority marks op as the side
// that wins same-index insert ties.
func shift(by, op Operation, priority bool) Operations {
	op = op.Clone()
	switch by.Kind {
	case OpInsert:
		inclusive := !(priority && op.Kind == OpInsert && len(op.Path) == len(by.Path))
		if op.Kind == OpDelete && len(op.Path) == len(by.Path) && by.Path.sameParent(op.Path) {
			return splitDelete(op, by.Path.Last(), len(by.Nodes))
		}
		op.Path = by.Path.transform(op.Path, len(by.Nodes), inclusive)
		return Operations{op}
	case OpDelete:
		return shiftByDelete(by, op)
	default:
		return Operations{op}
	}
}

// splitDelete handles a delete of sibling nodes while k nodes were inserted
// at index s. An insert strictly inside the range splits the delete in two.
func splitDelete(op Operation, s, k int) Operations {
	depth := len(op.Path) - 1
	i, m := op.Path[depth], len(op.Nodes)
	switch {
	case s <= i:
		op.Path[depth] += k
		return Operations{op}
	case s >= i+m:
		return Operations{op}
	}
	left := op.Clone()
	left.Nodes = op.Nodes[:s-i]
	right := op.Clone()
	right.Nodes = op.Nodes[s-i:]
	right.Path[depth] = i + k
	return Operations{left, right}
}

func shiftByDelete(by, op Operation) Operations {
	if len(op.Path) < len(by.Path) || !by.Path.sameParent(op.Path) {
		return Operations{op}
	}
	depth := len(by.Path) - 1
	start, n := by.Path[depth], len(by.Nodes)
	idx := op.Path[depth]

	if op.Kind == OpDelete && len(op.Path) == len(by.Path) {
		m := len(op.Nodes)
		left := max(0, min(idx+m, start)-idx)
		right := max(0, idx+m-max(idx, start+n))
		if left+right == 0 {
			return nil
		}
		nodes := append([]NodeData(nil), op.Nodes[:left]...)
		nodes = append(nodes, op.Nodes[m-right:]...)
		op.Nodes = nodes
		if idx >= start {
			op.Path[depth] = max(idx-n, start)
		}
		return Operations{op}
	}

	switch {
	case idx < start:
		return Operations{op}
	case idx >= start+n:
		op.Path[depth] -= n
		return Operations{op}
	case op.Kind == OpInsert && len(op.Path) == len(by.Path):
		op.Path[depth] = start
		return Operations{op}
	default:
		// targets a deleted node or something inside one
		return nil
	}
}
