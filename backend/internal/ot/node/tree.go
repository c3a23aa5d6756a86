package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"docsync/backend/internal/ot/delta"
)

var ErrInvalidTree = errors.New("INVALID_TREE")

// NodeData is the serialized form of a node and its subtree.
type NodeData struct {
	Type       string             `json:"type"`
	Attributes delta.AttributeMap `json:"attributes,omitempty"`
	Body       delta.Delta        `json:"body,omitempty"`
	Children   []NodeData         `json:"children,omitempty"`
}

type Node struct {
	Type       string
	Attributes delta.AttributeMap
	Body       delta.Delta
	Children   []*Node
}

func newNode(d NodeData) *Node {
	n := &Node{Type: d.Type, Attributes: d.Attributes.RemoveEmpty(), Body: d.Body}
	for _, c := range d.Children {
		n.Children = append(n.Children, newNode(c))
	}
	return n
}

func (n *Node) Data() NodeData {
	d := NodeData{Type: n.Type, Attributes: n.Attributes.Clone(), Body: append(delta.Delta(nil), n.Body...)}
	for _, c := range n.Children {
		d.Children = append(d.Children, c.Data())
	}
	return d
}

func (n *Node) clone() *Node {
	c := &Node{Type: n.Type, Attributes: n.Attributes.Clone(), Body: append(delta.Delta(nil), n.Body...)}
	for _, ch := range n.Children {
		c.Children = append(c.Children, ch.clone())
	}
	return c
}

// Tree is a node tree document. Not safe for concurrent use; the owner
// serializes access.
type Tree struct {
	root *Node
}

func NewTree(rootType string) *Tree {
	return &Tree{root: &Node{Type: rootType}}
}

func FromData(d NodeData) *Tree {
	return &Tree{root: newNode(d)}
}

func FromJSON(b []byte) (*Tree, error) {
	var d NodeData
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return FromData(d), nil
}

// FromOperations builds a tree by replaying ops onto an empty root.
func FromOperations(rootType string, ops Operations) (*Tree, error) {
	t := NewTree(rootType)
	if err := t.Apply(ops); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Root() *Node { return t.root }

func (t *Tree) Clone() *Tree { return &Tree{root: t.root.clone()} }

func (t *Tree) Data() NodeData { return t.root.Data() }

func (t *Tree) JSON() ([]byte, error) { return json.Marshal(t.Data()) }

// NodeAt resolves path; the empty path is the root.
func (t *Tree) NodeAt(path Path) (*Node, bool) {
	n := t.root
	for _, idx := range path {
		if idx < 0 || idx >= len(n.Children) {
			return nil, false
		}
		n = n.Children[idx]
	}
	return n, true
}

// Apply runs ops in order. On error the tree is left unchanged.
func (t *Tree) Apply(ops Operations) error {
	work := t.Clone()
	for i, op := range ops {
		if err := work.apply(op); err != nil {
			return fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.Path, err)
		}
	}
	t.root = work.root
	return nil
}

func (t *Tree) apply(op Operation) error {
	switch op.Kind {
	case OpInsert:
		return t.insert(op.Path, op.Nodes)
	case OpDelete:
		return t.delete(op.Path, len(op.Nodes))
	case OpUpdateAttributes:
		n, ok := t.NodeAt(op.Path)
		if !ok {
			return ErrInvalidTree
		}
		n.Attributes = n.Attributes.Compose(op.Attrs).RemoveEmpty()
		return nil
	case OpUpdateBody:
		n, ok := t.NodeAt(op.Path)
		if !ok {
			return ErrInvalidTree
		}
		if op.Changeset == nil {
			return fmt.Errorf("missing changeset: %w", ErrInvalidTree)
		}
		body, err := delta.ApplyDocument(n.Body, op.Changeset.Delta)
		if err != nil {
			return err
		}
		n.Body = body
		return nil
	default:
		return fmt.Errorf("unknown op %q: %w", op.Kind, ErrInvalidTree)
	}
}

// insert places nodes before the child at path's last index. The index may
// equal the child count to append but never exceed it.
func (t *Tree) insert(path Path, nodes []NodeData) error {
	if len(path) == 0 {
		return fmt.Errorf("insert at root: %w", ErrInvalidTree)
	}
	parent, ok := t.NodeAt(path.Parent())
	if !ok {
		return ErrInvalidTree
	}
	idx := path.Last()
	if idx < 0 || idx > len(parent.Children) {
		return fmt.Errorf("insert at %s, parent has %d children: %w", path, len(parent.Children), ErrInvalidTree)
	}
	added := make([]*Node, len(nodes))
	for i, d := range nodes {
		added[i] = newNode(d)
	}
	children := make([]*Node, 0, len(parent.Children)+len(added))
	children = append(children, parent.Children[:idx]...)
	children = append(children, added...)
	children = append(children, parent.Children[idx:]...)
	parent.Children = children
	return nil
}

func (t *Tree) delete(path Path, n int) error {
	if len(path) == 0 || n <= 0 {
		return ErrInvalidTree
	}
	if _, ok := t.NodeAt(path); !ok {
		return ErrInvalidTree
	}
	parent, _ := t.NodeAt(path.Parent())
	idx := path.Last()
	if idx+n > len(parent.Children) {
		return fmt.Errorf("delete %d nodes at %s, parent has %d: %w", n, path, len(parent.Children), ErrInvalidTree)
	}
	parent.Children = append(parent.Children[:idx:idx], parent.Children[idx+n:]...)
	return nil
}

// Normalize rewrites ops so every insert index lies within its parent at the
// point it applies, turning an insert past the last child into an append at
// the child count. Ops must be normalized before they are transformed
// against anything, since transform only shifts indices and never clamps
// them. The tree itself is not modified.
func (t *Tree) Normalize(ops Operations) (Operations, error) {
	work := t.Clone()
	out := make(Operations, 0, len(ops))
	for i, op := range ops {
		op = op.Clone()
		if op.Kind == OpInsert && len(op.Path) > 0 {
			if parent, ok := work.NodeAt(op.Path.Parent()); ok && op.Path.Last() > len(parent.Children) {
				op.Path[len(op.Path)-1] = len(parent.Children)
			}
		}
		if err := work.apply(op); err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.Path, err)
		}
		out = append(out, op)
	}
	return out, nil
}

// Invert returns the ops undoing ops when applied after them, capturing
// deleted nodes, previous attributes and body pre-images from the tree.
// The tree itself is not modified.
func (t *Tree) Invert(ops Operations) (Operations, error) {
	work := t.Clone()
	inverted := make(Operations, 0, len(ops))
	for i, op := range ops {
		full, err := work.complete(op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		if err := work.apply(full); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		inv, err := full.Invert()
		if err != nil {
			return nil, err
		}
		inverted = append(inverted, inv)
	}
	for i, j := 0, len(inverted)-1; i < j; i, j = i+1, j-1 {
		inverted[i], inverted[j] = inverted[j], inverted[i]
	}
	return inverted, nil
}

// complete fills the pre-image fields of op from the current tree state.
func (t *Tree) complete(op Operation) (Operation, error) {
	op = op.Clone()
	switch op.Kind {
	case OpDelete:
		parent, ok := t.NodeAt(op.Path.Parent())
		idx := op.Path.Last()
		if !ok || idx < 0 || idx+len(op.Nodes) > len(parent.Children) {
			return op, ErrInvalidTree
		}
		for i := range op.Nodes {
			op.Nodes[i] = parent.Children[idx+i].Data()
		}
	case OpUpdateAttributes:
		n, ok := t.NodeAt(op.Path)
		if !ok {
			return op, ErrInvalidTree
		}
		op.OldAttrs = nil
		for k := range op.Attrs {
			if op.OldAttrs == nil {
				op.OldAttrs = delta.AttributeMap{}
			}
			op.OldAttrs[k] = n.Attributes[k]
		}
	case OpUpdateBody:
		n, ok := t.NodeAt(op.Path)
		if !ok || op.Changeset == nil {
			return op, ErrInvalidTree
		}
		inv, err := delta.Invert(op.Changeset.Delta, n.Body)
		if err != nil {
			return op, err
		}
		op.Changeset.Inverted = inv
	}
	return op, nil
}
