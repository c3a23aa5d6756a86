package delta

import "fmt"

// Compose returns the delta equal to applying a then b.
func Compose(a, b Delta) (Delta, error) {
	if a.TargetLen() != b.BaseLen() {
		return nil, fmt.Errorf("compose: target %d, next base %d: %w", a.TargetLen(), b.BaseLen(), ErrIncompatibleLength)
	}
	ai, bi := newIterator(a), newIterator(b)
	var out Delta
	for ai.hasNext() || bi.hasNext() {
		if bi.hasNext() && bi.peekKind() == KindInsert {
			out = out.push(bi.nextAll())
			continue
		}
		if ai.hasNext() && ai.peekKind() == KindDelete {
			out = out.push(ai.nextAll())
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, fmt.Errorf("compose: unbalanced ops: %w", ErrIncompatibleLength)
		}
		n := min(ai.peekLen(), bi.peekLen())
		aop, bop := ai.next(n), bi.next(n)
		switch bop.Kind {
		case KindRetain:
			if aop.Kind == KindInsert {
				out = out.push(Op{Kind: KindInsert, Text: aop.Text, Attrs: aop.Attrs.Compose(bop.Attrs).RemoveEmpty()})
			} else {
				out = out.push(Op{Kind: KindRetain, Count: n, Attrs: aop.Attrs.Compose(bop.Attrs)})
			}
		case KindDelete:
			if aop.Kind == KindRetain {
				out = out.push(Op{Kind: KindDelete, Count: n})
			}
			// insert then delete cancels out
		}
	}
	return out, nil
}

// Transform rewrites two concurrent deltas against the same base so that
// applying a then b2 equals applying b then a2. a wins ties: its inserts land
// first and its attributes override b's on overlapping ranges.
func Transform(a, b Delta) (a2, b2 Delta, err error) {
	if a.BaseLen() != b.BaseLen() {
		return nil, nil, fmt.Errorf("transform: base %d vs %d: %w", a.BaseLen(), b.BaseLen(), ErrIncompatibleLength)
	}
	ai, bi := newIterator(a), newIterator(b)
	for ai.hasNext() || bi.hasNext() {
		if ai.hasNext() && ai.peekKind() == KindInsert {
			op := ai.nextAll()
			a2 = a2.push(op)
			b2 = b2.push(Op{Kind: KindRetain, Count: op.Len(), Attrs: nil})
			continue
		}
		if bi.hasNext() && bi.peekKind() == KindInsert {
			op := bi.nextAll()
			a2 = a2.push(Op{Kind: KindRetain, Count: op.Len(), Attrs: nil})
			b2 = b2.push(op)
			continue
		}
		if !ai.hasNext() || !bi.hasNext() {
			return nil, nil, fmt.Errorf("transform: unbalanced ops: %w", ErrIncompatibleLength)
		}
		n := min(ai.peekLen(), bi.peekLen())
		aop, bop := ai.next(n), bi.next(n)
		switch {
		case aop.Kind == KindDelete && bop.Kind == KindDelete:
			// both removed the same text
		case aop.Kind == KindDelete:
			a2 = a2.push(Op{Kind: KindDelete, Count: n})
		case bop.Kind == KindDelete:
			b2 = b2.push(Op{Kind: KindDelete, Count: n})
		default:
			at, bt := aop.Attrs.Transform(bop.Attrs)
			a2 = a2.push(Op{Kind: KindRetain, Count: n, Attrs: at})
			b2 = b2.push(Op{Kind: KindRetain, Count: n, Attrs: bt})
		}
	}
	return a2, b2, nil
}

// Invert returns the delta that undoes d when applied after it. base is the
// document d was applied to and must hold inserts only.
func Invert(d, base Delta) (Delta, error) {
	if !base.IsDocument() {
		return nil, fmt.Errorf("invert: base is not a document: %w", ErrInvalidOp)
	}
	if base.TargetLen() != d.BaseLen() {
		return nil, fmt.Errorf("invert: base %d, delta expects %d: %w", base.TargetLen(), d.BaseLen(), ErrIncompatibleLength)
	}
	bi := newIterator(base)
	var out Delta
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			out = out.push(Op{Kind: KindDelete, Count: op.Len()})
		case KindDelete:
			for _, seg := range bi.take(op.Count) {
				out = out.push(Op{Kind: KindInsert, Text: seg.Text, Attrs: seg.Attrs})
			}
		case KindRetain:
			if len(op.Attrs) == 0 {
				bi.take(op.Count)
				out = out.push(Op{Kind: KindRetain, Count: op.Count, Attrs: nil})
				continue
			}
			for _, seg := range bi.take(op.Count) {
				out = out.push(Op{Kind: KindRetain, Count: seg.Len(), Attrs: op.Attrs.Invert(seg.Attrs)})
			}
		}
	}
	return out, nil
}

// InvertString is Invert against a plain text base.
func InvertString(d Delta, base string) (Delta, error) {
	return Invert(d, FromString(base))
}
