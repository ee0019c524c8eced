package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/lgulliver/chunkstone/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists sessions in the upload_sessions and upload_chunks
// tables. Chunk indices live in their own rows so concurrent inserts never
// rewrite each other.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a session store on an open database
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Models returns the tables this store needs, for AutoMigrate
func Models() []interface{} {
	return []interface{}{&types.UploadSession{}, &types.ChunkRecord{}}
}

func (g *GormStore) Create(ctx context.Context, s *types.UploadSession) error {
	row := s.Clone()
	if err := g.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.ID = row.ID
	s.CreatedAt = row.CreatedAt
	s.UpdatedAt = row.UpdatedAt
	return nil
}

func (g *GormStore) Get(ctx context.Context, id string) (*types.UploadSession, error) {
	return g.load(g.db.WithContext(ctx), id)
}

func (g *GormStore) AddChunk(ctx context.Context, id string, index int, size int64) (*types.UploadSession, error) {
	var out *types.UploadSession
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the conditional update takes the row lock that serialises writers
		res := tx.Model(&types.UploadSession{}).
			Where("id = ? AND status = ?", id, types.StatusUploading).
			Update("updated_at", now())
		if res.Error != nil {
			return fmt.Errorf("failed to touch session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return g.conflictOrMissing(tx, id)
		}

		record := types.ChunkRecord{SessionID: id, ChunkIndex: index, Size: size, UpdatedAt: now()}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"size", "updated_at"}),
		}).Create(&record).Error
		if err != nil {
			return fmt.Errorf("failed to record chunk: %w", err)
		}

		out, err = g.load(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GormStore) Transition(ctx context.Context, id string, t Transition) (*types.UploadSession, error) {
	var out *types.UploadSession
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target types.UploadSession
		t.apply(&target, now())

		updates := map[string]interface{}{
			"status":     target.Status,
			"last_error": target.LastError,
			"updated_at": target.UpdatedAt,
		}
		if target.CompletedAt != nil {
			updates["completed_at"] = target.CompletedAt
			updates["artifact_url"] = target.ArtifactURL
			updates["storage_path"] = target.StoragePath
			updates["artifact_size"] = target.ArtifactSize
			updates["artifact_sha256"] = target.ArtifactSHA256
		}

		res := tx.Model(&types.UploadSession{}).
			Where("id = ? AND status IN ?", id, t.From).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update session status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return g.conflictOrMissing(tx, id)
		}

		if t.ClearChunks {
			if err := tx.Where("session_id = ?", id).Delete(&types.ChunkRecord{}).Error; err != nil {
				return fmt.Errorf("failed to clear chunk records: %w", err)
			}
		}

		var err error
		out, err = g.load(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GormStore) Delete(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&types.ChunkRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete chunk records: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&types.UploadSession{}).Error; err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

func (g *GormStore) List(ctx context.Context, f Filter) ([]*types.UploadSession, error) {
	query := g.db.WithContext(ctx).Model(&types.UploadSession{})
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if !f.UpdatedBefore.IsZero() {
		query = query.Where("updated_at < ?", f.UpdatedBefore.UTC())
	}

	var sessions []*types.UploadSession
	if err := query.Order("updated_at ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := checkStatus(s); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (g *GormStore) load(db *gorm.DB, id string) (*types.UploadSession, error) {
	var s types.UploadSession
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if err := checkStatus(&s); err != nil {
		return nil, err
	}

	var records []types.ChunkRecord
	if err := db.Where("session_id = ?", id).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get chunk records: %w", err)
	}

	sizes := make(map[int]int64, len(records))
	for _, r := range records {
		sizes[r.ChunkIndex] = r.Size
	}
	fillChunks(&s, sizes)
	return &s, nil
}

func (g *GormStore) conflictOrMissing(db *gorm.DB, id string) error {
	var s types.UploadSession
	if err := db.Select("status").Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get session: %w", err)
	}
	return fmt.Errorf("%w: session is %s", ErrStatusConflict, s.Status)
}
