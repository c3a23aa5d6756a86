package collab

import (
	"fmt"
	"strings"

	"docsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a plain text buffer: edits append to the add buffer and
// split pieces instead of copying the document.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.slice(p)))
	}
	return b.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply runs d over the buffer. The delta must cover the whole document;
// it is checked before any piece is touched. Attributes are ignored.
func (pt *PieceTable) Apply(d delta.Delta) error {
	n := pt.Len()
	pos := 0
	for i, op := range d {
		if op.Kind == delta.KindInsert {
			continue
		}
		if op.Count <= 0 {
			return fmt.Errorf("op %d: %w", i, delta.ErrInvalidOp)
		}
		if pos+op.Count > n {
			return fmt.Errorf("op %d: %s %d at %d, length %d: %w", i, op.Kind, op.Count, pos, n, ErrOutOfBounds)
		}
		pos += op.Count
	}
	if pos != n {
		return fmt.Errorf("delta covers %d, length %d: %w", pos, n, ErrIncompatibleLength)
	}

	pos = 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	added := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, added)
		return len(r)
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	pieces := make([]piece, 0, len(pt.pieces)+2)
	pieces = append(pieces, pt.pieces[:idx]...)
	if left.length > 0 {
		pieces = append(pieces, left)
	}
	pieces = append(pieces, added)
	if right.length > 0 {
		pieces = append(pieces, right)
	}
	pieces = append(pieces, pt.pieces[idx+1:]...)
	pt.pieces = pieces
	return len(r)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		// keep the parts left and right of the deleted span
		var keep []piece
		if offset > 0 {
			keep = append(keep, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			keep = append(keep, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		pieces := make([]piece, 0, len(pt.pieces)+1)
		pieces = append(pieces, pt.pieces[:idx]...)
		pieces = append(pieces, keep...)
		pieces = append(pieces, pt.pieces[idx+1:]...)
		pt.pieces = pieces

		idx += len(keep)
		offset = 0
		remain -= take
	}
}

// locate maps a logical position to a piece index and the offset inside it.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
