package revision

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, protobuf compatible:
//
//	Revision: 1 object_id, 2 base_rev_id, 3 rev_id, 4 delta, 5 md5, 6 author, 7 created_at (unix ms)
//	Range:    1 start, 2 end
const (
	fieldObjectID  protowire.Number = 1
	fieldBaseRevID protowire.Number = 2
	fieldRevID     protowire.Number = 3
	fieldDelta     protowire.Number = 4
	fieldMD5       protowire.Number = 5
	fieldAuthor    protowire.Number = 6
	fieldCreatedAt protowire.Number = 7

	fieldStart protowire.Number = 1
	fieldEnd   protowire.Number = 2
)

func (r Revision) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldObjectID, r.ObjectID)
	b = appendVarint(b, fieldBaseRevID, uint64(r.BaseRevID))
	b = appendVarint(b, fieldRevID, uint64(r.RevID))
	if len(r.Delta) > 0 {
		b = protowire.AppendTag(b, fieldDelta, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Delta)
	}
	b = appendString(b, fieldMD5, r.MD5)
	b = appendString(b, fieldAuthor, r.Author)
	if !r.CreatedAt.IsZero() {
		b = appendVarint(b, fieldCreatedAt, uint64(r.CreatedAt.UnixMilli()))
	}
	return b
}

func UnmarshalRevision(b []byte) (Revision, error) {
	var r Revision
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldObjectID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.ObjectID = v
			return n
		case num == fieldBaseRevID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.BaseRevID = int64(v)
			return n
		case num == fieldRevID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.RevID = int64(v)
			return n
		case num == fieldDelta && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Delta = append([]byte(nil), v...)
			return n
		case num == fieldMD5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.MD5 = v
			return n
		case num == fieldAuthor && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Author = v
			return n
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.CreatedAt = time.UnixMilli(int64(v))
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return Revision{}, fmt.Errorf("decode revision: %w", err)
	}
	return r, nil
}

func (r Range) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldStart, uint64(r.Start))
	b = appendVarint(b, fieldEnd, uint64(r.End))
	return b
}

func UnmarshalRange(b []byte) (Range, error) {
	var r Range
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.VarintType && (num == fieldStart || num == fieldEnd) {
			v, n := protowire.ConsumeVarint(b)
			if num == fieldStart {
				r.Start = int64(v)
			} else {
				r.End = int64(v)
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return Range{}, fmt.Errorf("decode range: %w", err)
	}
	if !r.Valid() {
		return Range{}, fmt.Errorf("range %s: %w", r, ErrInvalidRange)
	}
	return r, nil
}

// walk visits every field in b. fn consumes the value and returns its length.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
