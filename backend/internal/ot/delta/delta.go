package delta

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind         `json:"kind"`            // "retain" / "insert" / "delete"
	Count int          `json:"count,omitempty"` // retain/delete length in runes
	Text  string       `json:"text,omitempty"`  // insert text
	Attrs AttributeMap `json:"attrs,omitempty"` // bold, color, header ...
}

// Len is the number of runes the op covers.
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

func (o Op) String() string {
	switch o.Kind {
	case KindInsert:
		return fmt.Sprintf("insert(%q%s)", o.Text, o.Attrs)
	case KindRetain:
		return fmt.Sprintf("retain(%d%s)", o.Count, o.Attrs)
	default:
		return fmt.Sprintf("delete(%d)", o.Count)
	}
}

// Delta is an ordered list of ops. The builder methods return a new delta
// and never modify the receiver.
type Delta []Op

func (d Delta) Insert(text string, attrs AttributeMap) Delta {
	return d.Push(Op{Kind: KindInsert, Text: text, Attrs: attrs})
}

func (d Delta) Retain(n int, attrs AttributeMap) Delta {
	return d.Push(Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (d Delta) Delete(n int) Delta {
	return d.Push(Op{Kind: KindDelete, Count: n})
}

// Push appends op, merging it into the tail when possible. Inserts are kept
// in front of an adjacent delete so equal edits have one representation.
// d itself is never modified.
func (d Delta) Push(op Op) Delta {
	out := make(Delta, len(d), len(d)+1)
	copy(out, d)
	return out.push(op)
}

// push is Push without the copy. It may rewrite the tail of d, so it is
// only used on deltas the caller is building.
func (d Delta) push(op Op) Delta {
	if op.Len() <= 0 {
		return d
	}
	if op.Kind == KindDelete {
		op.Attrs = nil
	} else if len(op.Attrs) == 0 {
		op.Attrs = nil
	}
	n := len(d)
	if n == 0 {
		return append(d, op)
	}
	last := d[n-1]
	if last.Kind == KindDelete && op.Kind == KindDelete {
		d[n-1] = Op{Kind: KindDelete, Count: last.Count + op.Count}
		return d
	}
	if last.Kind == KindDelete && op.Kind == KindInsert {
		if n > 1 && d[n-2].Kind == KindInsert && d[n-2].Attrs.Equal(op.Attrs) {
			prev := d[n-2]
			d[n-2] = Op{Kind: KindInsert, Text: prev.Text + op.Text, Attrs: prev.Attrs}
			return d
		}
		d = append(d, last)
		d[n-1] = op
		return d
	}
	if last.Kind == op.Kind && last.Attrs.Equal(op.Attrs) {
		switch op.Kind {
		case KindInsert:
			d[n-1] = Op{Kind: KindInsert, Text: last.Text + op.Text, Attrs: last.Attrs}
			return d
		case KindRetain:
			d[n-1] = Op{Kind: KindRetain, Count: last.Count + op.Count, Attrs: last.Attrs}
			return d
		}
	}
	return append(d, op)
}

// BaseLen is the document length the delta expects as input.
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen is the document length after the delta is applied.
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

// IsNoop reports whether the delta changes neither content nor attributes.
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || len(op.Attrs) > 0 {
			return false
		}
	}
	return true
}

// IsDocument reports whether the delta holds inserts only, the shape of a
// materialized rich text document.
func (d Delta) IsDocument() bool {
	for _, op := range d {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

// Content joins the inserted text.
func (d Delta) Content() string {
	var b strings.Builder
	for _, op := range d {
		if op.Kind == KindInsert {
			b.WriteString(op.Text)
		}
	}
	return b.String()
}

func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("op %d: empty insert: %w", i, ErrInvalidOp)
			}
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("op %d: %s count %d: %w", i, op.Kind, op.Count, ErrInvalidOp)
			}
		default:
			return fmt.Errorf("op %d: unknown kind %q: %w", i, op.Kind, ErrInvalidOp)
		}
	}
	return nil
}

func (d Delta) Bytes() ([]byte, error) {
	if d == nil {
		d = Delta{}
	}
	return json.Marshal(d)
}

// FromBytes decodes and validates a JSON encoded delta, e.g.
// [{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
func FromBytes(b []byte) (Delta, error) {
	var raw Delta
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	var d Delta
	for _, op := range raw {
		d = d.push(op)
	}
	return d, nil
}

// FromString returns the document delta holding s.
func FromString(s string) Delta {
	return Delta{}.Insert(s, nil)
}

func (d Delta) String() string {
	parts := make([]string, len(d))
	for i, op := range d {
		parts[i] = op.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
