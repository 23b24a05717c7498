package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"directchat/internal/util"
	"directchat/pkg/domain"
)

// DocumentModel stores one document; Fields holds type-tagged values.
type DocumentModel struct {
	Path       string         `gorm:"primaryKey"`
	Collection string         `gorm:"not null;index"`
	DocID      string         `gorm:"not null"`
	Fields     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// ChangeModel is the append-only change log listeners poll.
type ChangeModel struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	Collection string    `gorm:"not null;index:idx_change_collection_seq,priority:1"`
	DocID      string    `gorm:"not null"`
	Kind       string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_change_collection_seq,priority:2"`
}

// GormStore implements Store on Postgres. Listeners poll the change log.
type GormStore struct {
	db           *gorm.DB
	pollInterval time.Duration
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, pollInterval time.Duration) (*GormStore, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return NewGormStoreFromDB(db, pollInterval)
}

// OpenPostgres opens a GORM connection with driver errors translated, so
// unique violations surface as gorm.ErrDuplicatedKey.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// NewGormStoreFromDB wraps an open connection and migrates the tables.
func NewGormStoreFromDB(db *gorm.DB, pollInterval time.Duration) (*GormStore, error) {
	if err := db.AutoMigrate(&DocumentModel{}, &ChangeModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &GormStore{db: db, pollInterval: pollInterval}, nil
}

// Set upserts the document and logs the change in one transaction.
func (s *GormStore) Set(ctx context.Context, path string, fields Fields) error {
	_, err := s.write(ctx, path, fields, nil)
	return err
}

// SetIfNewer compares and writes inside the collection's write lock.
func (s *GormStore) SetIfNewer(ctx context.Context, path, field string, fields Fields) (bool, error) {
	incoming, err := timeField(fields, field)
	if err != nil {
		return false, err
	}
	return s.write(ctx, path, fields, func(stored Fields) bool {
		return !storedIsNewer(stored, field, incoming)
	})
}

// write upserts the document and appends to the change log while holding a
// transaction-scoped advisory lock on the collection. Writers of one
// collection therefore commit in seq order, so a poller that has seen seq n
// has seen every earlier seq of that collection.
func (s *GormStore) write(ctx context.Context, path string, fields Fields, allow func(Fields) bool) (bool, error) {
	collection, id, err := SplitDocument(path)
	if err != nil {
		return false, err
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return false, fmt.Errorf("marshal fields: %w", err)
	}
	now := time.Now().UTC()
	written := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", collection).Error; err != nil {
			return err
		}
		var existing []DocumentModel
		if err := tx.Where("path = ?", path).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 && allow != nil {
			stored, err := modelFields(existing[0])
			if err != nil {
				return err
			}
			if !allow(stored) {
				return nil
			}
		}
		model := DocumentModel{
			Path:       path,
			Collection: collection,
			DocID:      id,
			Fields:     datatypes.JSON(payload),
			UpdatedAt:  now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		kind := Added
		if len(existing) > 0 {
			kind = Modified
		}
		if err := tx.Create(&ChangeModel{
			Collection: collection,
			DocID:      id,
			Kind:       kind.String(),
			CreatedAt:  now,
		}).Error; err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, domain.NewStoreError(domain.Unreachable, fmt.Errorf("write document: %w", err))
	}
	return written, nil
}

// Get returns the document fields.
func (s *GormStore) Get(ctx context.Context, path string) (Fields, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("read document: %w", err))
	}
	return modelFields(model)
}

// AddToCollection stores fields under a generated ID.
func (s *GormStore) AddToCollection(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	id := util.NewID()
	if err := s.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

// List returns the collection ordered by orderField.
func (s *GormStore) List(ctx context.Context, collection, orderField string) ([]Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&models).Error; err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("list collection: %w", err))
	}
	docs := make([]Document, 0, len(models))
	for _, m := range models {
		fields, err := modelFields(m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: m.DocID, Path: m.Path, Fields: fields})
	}
	sortDocuments(docs, orderField)
	return docs, nil
}

// ListenOrdered records the change log head, reads the backfill, then polls
// for changes past the head.
func (s *GormStore) ListenOrdered(ctx context.Context, collection, orderField string) (Listener, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	var head int64
	if err := s.db.WithContext(ctx).Model(&ChangeModel{}).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&head).Error; err != nil {
		return nil, domain.NewStoreError(domain.Unreachable, fmt.Errorf("read change head: %w", err))
	}
	docs, err := s.List(ctx, collection, orderField)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	backfill := make([]Change, 0, len(docs))
	for _, d := range docs {
		seen[d.ID] = struct{}{}
		backfill = append(backfill, Change{Kind: Added, Doc: d})
	}
	listenCtx, cancel := context.WithCancel(ctx)
	p := newPump(backfill, cancel)
	go s.poll(listenCtx, collection, head, seen, p)
	return p, nil
}

func (s *GormStore) poll(ctx context.Context, collection string, after int64, seen map[string]struct{}, p *pump) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-ticker.C:
		}
		var changes []ChangeModel
		if err := s.db.WithContext(ctx).
			Where("collection = ? AND seq > ?", collection, after).
			Order("seq ASC").
			Find(&changes).Error; err != nil {
			if ctx.Err() == nil {
				p.fail(domain.NewStoreError(domain.Unreachable, fmt.Errorf("poll changes: %w", err)))
			}
			return
		}
		for _, c := range changes {
			after = c.Seq
			kind := Modified
			if c.Kind == Added.String() {
				if _, dup := seen[c.DocID]; dup {
					continue
				}
				seen[c.DocID] = struct{}{}
				kind = Added
			}
			path := Join(collection, c.DocID)
			fields, err := s.Get(ctx, path)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					p.fail(err)
				}
				return
			}
			p.push(Change{Kind: kind, Doc: Document{ID: c.DocID, Path: path, Fields: fields}})
		}
	}
}

func modelFields(m DocumentModel) (Fields, error) {
	raw := map[string]string{}
	if err := json.Unmarshal(m.Fields, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return decodeFields(raw)
}
