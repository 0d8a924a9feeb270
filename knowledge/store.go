package knowledge

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Store owns all persistence for sources, chunks, and relations. Every
// mutation of knowledge rows goes through it.
type Store struct {
	db *gorm.DB
}

// ScanChunk pairs a chunk with its owning source for the search scan.
type ScanChunk struct {
	Chunk  Chunk
	Source Source
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&Source{}, &Chunk{}, &Relation{})
}

// CreateSource inserts a new source. Status always starts at pending; any
// approval fields supplied by the caller are discarded.
func (s *Store) CreateSource(ctx context.Context, source *Source) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	if source == nil {
		return errors.New("knowledge: source is required")
	}
	source.Status = StatusPending
	source.ApprovedBy = nil
	source.ApprovedAt = nil
	return s.db.WithContext(ctx).Create(source).Error
}

// CreateChunk inserts a chunk owned by an existing source.
func (s *Store) CreateChunk(ctx context.Context, chunk *Chunk) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	if chunk == nil || chunk.Content == "" {
		return errors.New("knowledge: chunk content is required")
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Source{}).
		Where("id = ?", chunk.SourceID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrSourceNotFound
	}

	// The source can still vanish between the check and the insert; the FK
	// rejects the orphan in that window.
	if err := s.db.WithContext(ctx).Create(chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return ErrSourceNotFound
		}
		return err
	}
	return nil
}

func (s *Store) SourceByID(ctx context.Context, id uint64) (*Source, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var source Source
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

// ListSources returns sources filtered by status and/or owner. Zero values
// disable the respective filter.
func (s *Store) ListSources(ctx context.Context, status string, userID uint64) ([]Source, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	query := s.db.WithContext(ctx).Model(&Source{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	var sources []Source
	if err := query.Order("created_at DESC, id DESC").Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *Store) SourcesByStatus(ctx context.Context, status string) ([]Source, error) {
	return s.ListSources(ctx, status, 0)
}

// ChunksBySource returns the chunks of a source in sequence order.
func (s *Store) ChunksBySource(ctx context.Context, sourceID uint64) ([]Chunk, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var chunks []Chunk
	if err := s.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("seq ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

// UpdateSourceStatus transitions a source to the given status. ApprovedBy and
// ApprovedAt are set exactly when the new status is approved and cleared
// otherwise.
func (s *Store) UpdateSourceStatus(ctx context.Context, id uint64, status string, approvedBy *uint64) (*Source, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	if !validStatus(status) {
		return nil, errors.New("knowledge: invalid status")
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if status == StatusApproved {
		updates["approved_at"] = time.Now().UTC()
		if approvedBy != nil {
			updates["approved_by"] = *approvedBy
		}
	} else {
		updates["approved_at"] = gorm.Expr("NULL")
		updates["approved_by"] = gorm.Expr("NULL")
	}

	result := s.db.WithContext(ctx).Model(&Source{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrSourceNotFound
	}

	return s.SourceByID(ctx, id)
}

// DeleteSource removes a source together with its chunks and any relations
// referencing it in a single transaction.
func (s *Store) DeleteSource(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source Source
		if err := tx.Where("id = ?", id).Take(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSourceNotFound
			}
			return err
		}
		if err := tx.Where("source_id = ? OR target_id = ?", id, id).Delete(&Relation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("source_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Source{}, id).Error
	})
}

// ChunksForScan returns every chunk eligible for similarity scoring: the
// owning source is approved and an embedding was stored. Rows come back in
// chunk id order so equal scores rank by creation order.
func (s *Store) ChunksForScan(ctx context.Context) ([]ScanChunk, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}

	var chunks []Chunk
	if err := s.db.WithContext(ctx).
		Joins("JOIN knowledge_sources ON knowledge_sources.id = knowledge_chunks.source_id").
		Where("knowledge_sources.status = ?", StatusApproved).
		Where("knowledge_chunks.embedding IS NOT NULL").
		Order("knowledge_chunks.id ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	sourceIDs := make([]uint64, 0, len(chunks))
	seen := make(map[uint64]struct{}, len(chunks))
	for _, chunk := range chunks {
		if _, ok := seen[chunk.SourceID]; ok {
			continue
		}
		seen[chunk.SourceID] = struct{}{}
		sourceIDs = append(sourceIDs, chunk.SourceID)
	}

	var sources []Source
	if err := s.db.WithContext(ctx).Where("id IN ?", sourceIDs).Find(&sources).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint64]Source, len(sources))
	for _, source := range sources {
		byID[source.ID] = source
	}

	scan := make([]ScanChunk, 0, len(chunks))
	for _, chunk := range chunks {
		source, ok := byID[chunk.SourceID]
		if !ok {
			continue
		}
		scan = append(scan, ScanChunk{Chunk: chunk, Source: source})
	}
	return scan, nil
}

// CreateRelation links two existing sources with a typed edge.
func (s *Store) CreateRelation(ctx context.Context, relation *Relation) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	if relation == nil {
		return errors.New("knowledge: relation is required")
	}
	if !validRelationType(relation.RelationType) {
		return errors.New("knowledge: invalid relation type")
	}
	if relation.Strength <= 0 {
		relation.Strength = 1
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Source{}).
		Where("id IN ?", []uint64{relation.SourceID, relation.TargetID}).
		Count(&count).Error; err != nil {
		return err
	}
	expected := int64(2)
	if relation.SourceID == relation.TargetID {
		expected = 1
	}
	if count != expected {
		return ErrSourceNotFound
	}

	if err := s.db.WithContext(ctx).Create(relation).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return ErrSourceNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RelationsBySource(ctx context.Context, sourceID uint64) ([]Relation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("knowledge: database connection is not configured")
	}
	var relations []Relation
	if err := s.db.WithContext(ctx).
		Where("source_id = ? OR target_id = ?", sourceID, sourceID).
		Order("id ASC").
		Find(&relations).Error; err != nil {
		return nil, err
	}
	return relations, nil
}

func (s *Store) DeleteRelation(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	result := s.db.WithContext(ctx).Delete(&Relation{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRelationNotFound
	}
	return nil
}
