package delta

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// AttributeMap maps an attribute key to its value. A nil value is a
// tombstone: the key was explicitly cleared, which is not the same as absent.
type AttributeMap map[string]any

// Block attributes format a whole line and are mutually exclusive.
var blockKeys = map[string]bool{
	"header":     true,
	"list":       true,
	"code_block": true,
	"blockquote": true,
}

func IsBlockKey(k string) bool { return blockKeys[k] }

func (a AttributeMap) Clone() AttributeMap {
	if len(a) == 0 {
		return nil
	}
	out := make(AttributeMap, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a AttributeMap) Equal(b AttributeMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

func (a AttributeMap) Has(k string) bool {
	_, ok := a[k]
	return ok
}

// Compose extends a with b; b wins on every key it carries, tombstones included.
func (a AttributeMap) Compose(b AttributeMap) AttributeMap {
	if len(b) == 0 {
		return a.Clone()
	}
	out := make(AttributeMap, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// RemoveEmpty drops tombstones.
func (a AttributeMap) RemoveEmpty() AttributeMap {
	var out AttributeMap
	for k, v := range a {
		if v == nil {
			continue
		}
		if out == nil {
			out = make(AttributeMap, len(a))
		}
		out[k] = v
	}
	return out
}

// Transform resolves two concurrent attribute changes over the same range.
// a has priority: a2 keeps every key of a, b2 loses the keys a also sets.
// When both sides set different block keys, both results clear b's block keys.
func (a AttributeMap) Transform(b AttributeMap) (a2, b2 AttributeMap) {
	a2 = a.Clone()
	setsBlock := false
	for k, v := range a {
		if blockKeys[k] && v != nil {
			setsBlock = true
			break
		}
	}
	for k, v := range b {
		if a.Has(k) {
			continue
		}
		if setsBlock && blockKeys[k] && v != nil {
			if a2 == nil {
				a2 = AttributeMap{}
			}
			a2[k] = nil
			v = nil
		}
		if b2 == nil {
			b2 = AttributeMap{}
		}
		b2[k] = v
	}
	return a2, b2
}

// Invert returns the attribute change that undoes a on text formatted with base.
func (a AttributeMap) Invert(base AttributeMap) AttributeMap {
	var out AttributeMap
	set := func(k string, v any) {
		if out == nil {
			out = AttributeMap{}
		}
		out[k] = v
	}
	for k, v := range base {
		if w, ok := a[k]; ok && !reflect.DeepEqual(v, w) {
			set(k, v)
		}
	}
	for k, v := range a {
		if _, ok := base[k]; !ok && v != nil {
			set(k, nil)
		}
	}
	return out
}

func (a AttributeMap) String() string {
	if len(a) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%v", k, a[k])
	}
	return ", {" + strings.Join(parts, " ") + "}"
}
