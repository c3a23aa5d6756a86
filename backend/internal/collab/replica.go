package collab

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/ot/node"
)

// DocKind selects the document model and its operation algebra.
type DocKind string

const (
	KindPlainText DocKind = "plain"
	KindRichText  DocKind = "rich"
	KindNodeTree  DocKind = "tree"
)

var (
	ErrUnknownKind        = errors.New("UNKNOWN_DOCUMENT_KIND")
	ErrOutOfBounds        = delta.ErrOutOfBounds
	ErrIncompatibleLength = delta.ErrIncompatibleLength
	ErrInvalidTree        = node.ErrInvalidTree
)

// Replica is an in-memory document. Apply either succeeds or leaves the
// replica untouched. Replicas are owned by a single goroutine.
type Replica interface {
	Kind() DocKind
	Apply(ops []byte) error
	JSON() ([]byte, error)
	Len() int
	Clone() Replica
}

// Normalizer is implemented by replicas whose ops may name positions that
// only make sense against the local state. Normalize returns the ops in the
// form that is sent to other sites.
type Normalizer interface {
	Normalize(ops []byte) ([]byte, error)
}

// Normalize returns ops unchanged unless r implements Normalizer.
func Normalize(r Replica, ops []byte) ([]byte, error) {
	n, ok := r.(Normalizer)
	if !ok {
		return ops, nil
	}
	return n.Normalize(ops)
}

// Algebra is the operation algebra over encoded op lists of one DocKind.
type Algebra interface {
	Compose(a, b []byte) ([]byte, error)
	// Transform returns (a', b') such that a then b' equals b then a'.
	Transform(a, b []byte) ([]byte, []byte, error)
	// Invert returns the ops undoing ops, where before is the replica ops apply to.
	Invert(ops []byte, before Replica) ([]byte, error)
	NewReplica(snapshot []byte) (Replica, error)
}

var algebras = map[DocKind]Algebra{
	KindPlainText: textAlgebra{kind: KindPlainText},
	KindRichText:  textAlgebra{kind: KindRichText},
	KindNodeTree:  treeAlgebra{},
}

func AlgebraFor(kind DocKind) (Algebra, error) {
	a, ok := algebras[kind]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	return a, nil
}

// NewReplica builds a replica from a snapshot produced by Replica.JSON.
// An empty snapshot yields an empty document.
func NewReplica(kind DocKind, snapshot []byte) (Replica, error) {
	a, err := AlgebraFor(kind)
	if err != nil {
		return nil, err
	}
	return a.NewReplica(snapshot)
}

// Checksum is the hex md5 of the replica's JSON form.
func Checksum(r Replica) (string, error) {
	b, err := r.JSON()
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}
