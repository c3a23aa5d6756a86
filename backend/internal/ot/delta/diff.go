package delta

import (
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// FromDiff builds the plain delta turning before into after.
func FromDiff(before, after string) Delta {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	var d Delta
	for _, df := range diffs {
		switch df.Type {
		case diffpatch.DiffEqual:
			d = d.push(Op{Kind: KindRetain, Count: utf8.RuneCountInString(df.Text)})
		case diffpatch.DiffInsert:
			d = d.push(Op{Kind: KindInsert, Text: df.Text})
		case diffpatch.DiffDelete:
			d = d.push(Op{Kind: KindDelete, Count: utf8.RuneCountInString(df.Text)})
		}
	}
	return d
}
