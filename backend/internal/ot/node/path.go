package node

import (
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a node by child indices from the root. The empty path is the root.
type Path []int

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	return append(Path{}, p...)
}

func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1].Clone()
}

func (p Path) Last() int {
	if len(p) == 0 {
		return -1
	}
	return p[len(p)-1]
}

// Transform adjusts other for an insert of offset nodes at p. Paths in a
// different subtree, shorter paths and earlier siblings are returned unchanged.
func (p Path) Transform(other Path, offset int) Path {
	return p.transform(other, offset, true)
}

// transform with inclusive=false leaves a sibling at the same index in place;
// that is how the side winning an insert tie keeps its position.
func (p Path) transform(other Path, offset int, inclusive bool) Path {
	if len(p) > len(other) || len(p) == 0 || len(other) == 0 {
		return other.Clone()
	}
	depth := len(p) - 1
	for i := 0; i < depth; i++ {
		if p[i] != other[i] {
			return other.Clone()
		}
	}
	out := other.Clone()
	if p[depth] < other[depth] || (inclusive && p[depth] == other[depth]) {
		out[depth] += offset
	}
	return out
}

// sameParent reports whether p and other share every index above p's last one.
func (p Path) sameParent(other Path) bool {
	if len(p) == 0 || len(other) < len(p) {
		return false
	}
	for i := 0; i < len(p)-1; i++ {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}
