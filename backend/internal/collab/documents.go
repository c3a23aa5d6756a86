package collab

import (
	"encoding/json"
	"fmt"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/ot/node"
)

const treeRootType = "editor"

// plainReplica is a plain text document over a PieceTable. Its JSON form is
// the text as a JSON string.
type plainReplica struct {
	pt *PieceTable
}

func (r *plainReplica) Kind() DocKind { return KindPlainText }
func (r *plainReplica) Len() int      { return r.pt.Len() }

func (r *plainReplica) Apply(ops []byte) error {
	d, err := delta.FromBytes(ops)
	if err != nil {
		return err
	}
	return r.pt.Apply(d)
}

func (r *plainReplica) JSON() ([]byte, error) { return json.Marshal(r.pt.String()) }

func (r *plainReplica) Clone() Replica {
	return &plainReplica{pt: NewPieceTable(r.pt.String())}
}

func (r *plainReplica) String() string { return r.pt.String() }

// richReplica is a rich text document held as an insert-only delta.
type richReplica struct {
	doc delta.Delta
}

func (r *richReplica) Kind() DocKind { return KindRichText }
func (r *richReplica) Len() int      { return r.doc.TargetLen() }

func (r *richReplica) Apply(ops []byte) error {
	d, err := delta.FromBytes(ops)
	if err != nil {
		return err
	}
	doc, err := delta.ApplyDocument(r.doc, d)
	if err != nil {
		return err
	}
	r.doc = doc
	return nil
}

func (r *richReplica) JSON() ([]byte, error) { return r.doc.Bytes() }

func (r *richReplica) Clone() Replica {
	return &richReplica{doc: append(delta.Delta(nil), r.doc...)}
}

func (r *richReplica) String() string { return r.doc.Content() }

// treeReplica is a node tree document.
type treeReplica struct {
	tree *node.Tree
}

func (r *treeReplica) Kind() DocKind { return KindNodeTree }
func (r *treeReplica) Len() int      { return len(r.tree.Root().Children) }

func (r *treeReplica) Apply(ops []byte) error {
	parsed, err := node.FromBytes(ops)
	if err != nil {
		return err
	}
	return r.tree.Apply(parsed)
}

// Normalize clamps insert indices past the last child to an append.
func (r *treeReplica) Normalize(ops []byte) ([]byte, error) {
	parsed, err := node.FromBytes(ops)
	if err != nil {
		return nil, err
	}
	normalized, err := r.tree.Normalize(parsed)
	if err != nil {
		return nil, err
	}
	return normalized.Bytes()
}

func (r *treeReplica) JSON() ([]byte, error) { return r.tree.JSON() }

func (r *treeReplica) Clone() Replica { return &treeReplica{tree: r.tree.Clone()} }

// textAlgebra serves both text kinds; they share the delta encoding.
type textAlgebra struct {
	kind DocKind
}

func (a textAlgebra) Compose(x, y []byte) ([]byte, error) {
	dx, dy, err := decodePair(x, y)
	if err != nil {
		return nil, err
	}
	out, err := delta.Compose(dx, dy)
	if err != nil {
		return nil, err
	}
	return out.Bytes()
}

func (a textAlgebra) Transform(x, y []byte) ([]byte, []byte, error) {
	dx, dy, err := decodePair(x, y)
	if err != nil {
		return nil, nil, err
	}
	x2, y2, err := delta.Transform(dx, dy)
	if err != nil {
		return nil, nil, err
	}
	bx, err := x2.Bytes()
	if err != nil {
		return nil, nil, err
	}
	by, err := y2.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return bx, by, nil
}

func (a textAlgebra) Invert(ops []byte, before Replica) ([]byte, error) {
	d, err := delta.FromBytes(ops)
	if err != nil {
		return nil, err
	}
	var inv delta.Delta
	switch r := before.(type) {
	case *plainReplica:
		inv, err = delta.InvertString(d, r.pt.String())
	case *richReplica:
		inv, err = delta.Invert(d, r.doc)
	default:
		return nil, fmt.Errorf("invert %s ops on %s replica: %w", a.kind, before.Kind(), ErrUnknownKind)
	}
	if err != nil {
		return nil, err
	}
	return inv.Bytes()
}

func (a textAlgebra) NewReplica(snapshot []byte) (Replica, error) {
	if a.kind == KindPlainText {
		var s string
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &s); err != nil {
				return nil, fmt.Errorf("decode plain snapshot: %w", err)
			}
		}
		return &plainReplica{pt: NewPieceTable(s)}, nil
	}
	var doc delta.Delta
	if len(snapshot) > 0 {
		d, err := delta.FromBytes(snapshot)
		if err != nil {
			return nil, err
		}
		if !d.IsDocument() {
			return nil, fmt.Errorf("rich snapshot holds non-insert ops: %w", delta.ErrInvalidOp)
		}
		doc = d
	}
	return &richReplica{doc: doc}, nil
}

func decodePair(x, y []byte) (delta.Delta, delta.Delta, error) {
	dx, err := delta.FromBytes(x)
	if err != nil {
		return nil, nil, err
	}
	dy, err := delta.FromBytes(y)
	if err != nil {
		return nil, nil, err
	}
	return dx, dy, nil
}

type treeAlgebra struct{}

func (treeAlgebra) Compose(x, y []byte) ([]byte, error) {
	ox, err := node.FromBytes(x)
	if err != nil {
		return nil, err
	}
	oy, err := node.FromBytes(y)
	if err != nil {
		return nil, err
	}
	return node.Compose(ox, oy).Bytes()
}

func (treeAlgebra) Transform(x, y []byte) ([]byte, []byte, error) {
	ox, err := node.FromBytes(x)
	if err != nil {
		return nil, nil, err
	}
	oy, err := node.FromBytes(y)
	if err != nil {
		return nil, nil, err
	}
	x2, y2, err := node.Transform(ox, oy)
	if err != nil {
		return nil, nil, err
	}
	bx, err := x2.Bytes()
	if err != nil {
		return nil, nil, err
	}
	by, err := y2.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return bx, by, nil
}

func (treeAlgebra) Invert(ops []byte, before Replica) ([]byte, error) {
	parsed, err := node.FromBytes(ops)
	if err != nil {
		return nil, err
	}
	r, ok := before.(*treeReplica)
	if !ok {
		return nil, fmt.Errorf("invert tree ops on %s replica: %w", before.Kind(), ErrUnknownKind)
	}
	inv, err := r.tree.Invert(parsed)
	if err != nil {
		return nil, err
	}
	return inv.Bytes()
}

func (treeAlgebra) NewReplica(snapshot []byte) (Replica, error) {
	if len(snapshot) == 0 {
		return &treeReplica{tree: node.NewTree(treeRootType)}, nil
	}
	t, err := node.FromJSON(snapshot)
	if err != nil {
		return nil, err
	}
	return &treeReplica{tree: t}, nil
}
