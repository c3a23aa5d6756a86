package delta

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Apply runs d over plain text. Attributes are ignored.
func (d Delta) Apply(s string) (string, error) {
	n := utf8.RuneCountInString(s)
	if err := checkBase(d, n); err != nil {
		return "", err
	}
	r := []rune(s)
	var b strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			b.WriteString(string(r[pos : pos+op.Count]))
			pos += op.Count
		case KindDelete:
			pos += op.Count
		case KindInsert:
			b.WriteString(op.Text)
		}
	}
	return b.String(), nil
}

// ApplyDocument applies d to a rich text document and returns the new document.
func ApplyDocument(doc, d Delta) (Delta, error) {
	if !doc.IsDocument() {
		return nil, fmt.Errorf("apply: target is not a document: %w", ErrInvalidOp)
	}
	if err := checkBase(d, doc.TargetLen()); err != nil {
		return nil, err
	}
	return Compose(doc, d)
}

func checkBase(d Delta, docLen int) error {
	switch base := d.BaseLen(); {
	case base > docLen:
		return fmt.Errorf("apply: delta covers %d, document has %d: %w", base, docLen, ErrOutOfBounds)
	case base < docLen:
		return fmt.Errorf("apply: delta covers %d, document has %d: %w", base, docLen, ErrIncompatibleLength)
	}
	return nil
}
