package node

import (
	"encoding/json"
	"fmt"

	"docsync/backend/internal/ot/delta"
)

type OpKind string

const (
	OpInsert           OpKind = "insert"
	OpDelete           OpKind = "delete"
	OpUpdateAttributes OpKind = "update_attributes"
	OpUpdateBody       OpKind = "update_body"
)

// Changeset is a body edit together with its inverse.
type Changeset struct {
	Delta    delta.Delta `json:"delta"`
	Inverted delta.Delta `json:"inverted,omitempty"`
}

type Operation struct {
	Kind      OpKind             `json:"op"`
	Path      Path               `json:"path"`
	Nodes     []NodeData         `json:"nodes,omitempty"`
	Attrs     delta.AttributeMap `json:"attributes,omitempty"`
	OldAttrs  delta.AttributeMap `json:"oldAttributes,omitempty"`
	Changeset *Changeset         `json:"changeset,omitempty"`
}

func Insert(path Path, nodes ...NodeData) Operation {
	return Operation{Kind: OpInsert, Path: path, Nodes: nodes}
}

func Delete(path Path, nodes ...NodeData) Operation {
	return Operation{Kind: OpDelete, Path: path, Nodes: nodes}
}

func UpdateAttributes(path Path, attrs, old delta.AttributeMap) Operation {
	return Operation{Kind: OpUpdateAttributes, Path: path, Attrs: attrs, OldAttrs: old}
}

func UpdateBody(path Path, d, inverted delta.Delta) Operation {
	return Operation{Kind: OpUpdateBody, Path: path, Changeset: &Changeset{Delta: d, Inverted: inverted}}
}

func (op Operation) Clone() Operation {
	c := op
	c.Path = op.Path.Clone()
	if op.Nodes != nil {
		c.Nodes = append([]NodeData(nil), op.Nodes...)
	}
	c.Attrs = op.Attrs.Clone()
	c.OldAttrs = op.OldAttrs.Clone()
	if op.Changeset != nil {
		cs := *op.Changeset
		c.Changeset = &cs
	}
	return c
}

// Invert returns the op undoing op. Body edits need their inverse filled in,
// see Tree.Invert.
func (op Operation) Invert() (Operation, error) {
	switch op.Kind {
	case OpInsert:
		return Delete(op.Path.Clone(), op.Nodes...), nil
	case OpDelete:
		return Insert(op.Path.Clone(), op.Nodes...), nil
	case OpUpdateAttributes:
		return UpdateAttributes(op.Path.Clone(), op.OldAttrs.Clone(), op.Attrs.Clone()), nil
	case OpUpdateBody:
		if op.Changeset == nil || (op.Changeset.Inverted == nil && !op.Changeset.Delta.IsNoop()) {
			return Operation{}, fmt.Errorf("update_body at %s has no inverse: %w", op.Path, ErrInvalidTree)
		}
		return UpdateBody(op.Path.Clone(), op.Changeset.Inverted, op.Changeset.Delta), nil
	default:
		return Operation{}, fmt.Errorf("unknown op %q: %w", op.Kind, ErrInvalidTree)
	}
}

type Operations []Operation

// Invert reverses the list and inverts every op.
func (ops Operations) Invert() (Operations, error) {
	out := make(Operations, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		inv, err := ops[i].Invert()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// Compose of two op lists is their concatenation.
func Compose(a, b Operations) Operations {
	out := make(Operations, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func (ops Operations) Bytes() ([]byte, error) {
	if ops == nil {
		ops = Operations{}
	}
	return json.Marshal(ops)
}

func FromBytes(b []byte) (Operations, error) {
	var ops Operations
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, fmt.Errorf("decode node operations: %w", err)
	}
	for i, op := range ops {
		switch op.Kind {
		case OpInsert, OpDelete:
			if len(op.Path) == 0 || len(op.Nodes) == 0 {
				return nil, fmt.Errorf("op %d: %s needs a path and nodes: %w", i, op.Kind, ErrInvalidTree)
			}
		case OpUpdateAttributes:
		case OpUpdateBody:
			if op.Changeset == nil {
				return nil, fmt.Errorf("op %d: missing changeset: %w", i, ErrInvalidTree)
			}
			if err := op.Changeset.Delta.Validate(); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("op %d: unknown op %q: %w", i, op.Kind, ErrInvalidTree)
		}
	}
	return ops, nil
}
