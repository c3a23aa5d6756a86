package store

import (
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
)

type DocumentRevision struct {
	ObjectID  string `gorm:"primaryKey;type:varchar(64)"`
	RevID     int64  `gorm:"primaryKey;autoIncrement:false"`
	BaseRevID int64
	Delta     []byte `gorm:"type:longblob"`
	MD5       string `gorm:"type:char(32)"`
	Author    string `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

type DocumentSnapshot struct {
	ObjectID  string `gorm:"primaryKey;type:varchar(64)"`
	RevID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Kind      string `gorm:"type:varchar(16)"`
	Content   []byte `gorm:"type:longblob"`
	CreatedAt time.Time
}

func toRow(r revision.Revision) DocumentRevision {
	return DocumentRevision{
		ObjectID:  r.ObjectID,
		RevID:     r.RevID,
		BaseRevID: r.BaseRevID,
		Delta:     r.Delta,
		MD5:       r.MD5,
		Author:    r.Author,
		CreatedAt: r.CreatedAt,
	}
}

func (row DocumentRevision) revision() revision.Revision {
	return revision.Revision{
		ObjectID:  row.ObjectID,
		BaseRevID: row.BaseRevID,
		RevID:     row.RevID,
		Delta:     row.Delta,
		MD5:       row.MD5,
		Author:    row.Author,
		CreatedAt: row.CreatedAt,
	}
}

func (s DocumentSnapshot) kind() collab.DocKind { return collab.DocKind(s.Kind) }
