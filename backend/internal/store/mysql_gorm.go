package store

import (
	"context"
	"errors"
	"fmt"

	mysqlerr "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/revsync"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentRevision{}, &DocumentSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// GormStore persists revisions and snapshots in MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// isDuplicate reports a primary key clash: the row was already written.
func isDuplicate(err error) bool {
	var mysqlErr *mysqlerr.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) PersistRevisions(ctx context.Context, objectID string, revs []revision.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	rows := make([]DocumentRevision, 0, len(revs))
	for _, r := range revs {
		row := toRow(r)
		row.ObjectID = objectID
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).Create(&rows).Error
	if err == nil || !isDuplicate(err) {
		return err
	}
	// a retried batch: part of it is already stored
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil && !isDuplicate(err) {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) FetchDocument(ctx context.Context, objectID string) (revsync.Document, error) {
	var snap DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("object_id = ?", objectID).
		Order("rev_id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return revsync.Document{}, fmt.Errorf("%s: %w", objectID, revsync.ErrDocumentNotFound)
	}
	if err != nil {
		return revsync.Document{}, err
	}

	var rows []DocumentRevision
	err = s.db.WithContext(ctx).
		Where("object_id = ? AND rev_id > ?", objectID, snap.RevID).
		Order("rev_id ASC").
		Find(&rows).Error
	if err != nil {
		return revsync.Document{}, err
	}
	doc := revsync.Document{
		ObjectID:      objectID,
		Kind:          snap.kind(),
		Snapshot:      snap.Content,
		SnapshotRevID: snap.RevID,
	}
	for _, row := range rows {
		doc.Revisions = append(doc.Revisions, row.revision())
	}
	return doc, nil
}

func (s *GormStore) Revisions(ctx context.Context, objectID string, r revision.Range) ([]revision.Revision, error) {
	var rows []DocumentRevision
	err := s.db.WithContext(ctx).
		Where("object_id = ? AND rev_id BETWEEN ? AND ?", objectID, r.Start, r.End).
		Order("rev_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]revision.Revision, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.revision())
	}
	return out, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, objectID string, kind collab.DocKind, revID int64, snapshot []byte) error {
	err := s.db.WithContext(ctx).Create(&DocumentSnapshot{
		ObjectID: objectID,
		RevID:    revID,
		Kind:     string(kind),
		Content:  snapshot,
	}).Error
	if err != nil && isDuplicate(err) {
		return nil
	}
	return err
}
