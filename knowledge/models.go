package knowledge

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

const (
	SourceTypeChat     = "chat"
	SourceTypeDocument = "document"
	SourceTypeImage    = "image"
	SourceTypeVideo    = "video"
	SourceTypeWebpage  = "webpage"
	SourceTypeAPI      = "api"
)

const (
	RelationRelated     = "related"
	RelationPartOf      = "part_of"
	RelationReferences  = "references"
	RelationContradicts = "contradicts"
	RelationSupports    = "supports"
)

type Source struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Title       string         `gorm:"size:200;not null" json:"title"`
	Description *string        `gorm:"size:500" json:"description,omitempty"`
	SourceType  string         `gorm:"size:16;not null;index" json:"source_type"`
	SourceRef   *string        `gorm:"size:128" json:"source_ref,omitempty"`
	Status      string         `gorm:"size:16;not null;default:'pending';index" json:"status"`
	UserID      uint64         `gorm:"not null;index" json:"user_id"`
	ApprovedBy  *uint64        `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	Metadata    datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Source) TableName() string {
	return "knowledge_sources"
}

type Chunk struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	SourceID   uint64         `gorm:"not null;index:idx_source_seq" json:"source_id"`
	Seq        int            `gorm:"not null;index:idx_source_seq" json:"seq"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	Embedding  datatypes.JSON `gorm:"type:json" json:"-"`
	TokenCount int            `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`

	// The FK keeps a racing delete from leaving orphaned chunks behind.
	Source *Source `gorm:"foreignKey:SourceID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Chunk) TableName() string {
	return "knowledge_chunks"
}

type Relation struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	SourceID     uint64    `gorm:"not null;index" json:"source_id"`
	TargetID     uint64    `gorm:"not null;index" json:"target_id"`
	RelationType string    `gorm:"size:16;not null" json:"relation_type"`
	Strength     int       `gorm:"not null;default:1" json:"strength"`
	CreatedAt    time.Time `json:"created_at"`

	Source *Source `gorm:"foreignKey:SourceID;constraint:OnDelete:CASCADE" json:"-"`
	Target *Source `gorm:"foreignKey:TargetID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Relation) TableName() string {
	return "knowledge_relations"
}

// Vector reports the decoded embedding, or nil when none was stored.
func (c Chunk) Vector() []float32 {
	return decodeVector(c.Embedding)
}

func encodeVector(vector []float32) datatypes.JSON {
	if len(vector) == 0 {
		return nil
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func decodeVector(raw datatypes.JSON) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil
	}
	if len(vector) == 0 {
		return nil
	}
	return vector
}

func validSourceType(value string) bool {
	switch value {
	case SourceTypeChat, SourceTypeDocument, SourceTypeImage, SourceTypeVideo, SourceTypeWebpage, SourceTypeAPI:
		return true
	default:
		return false
	}
}

func validStatus(value string) bool {
	switch value {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

func validRelationType(value string) bool {
	switch value {
	case RelationRelated, RelationPartOf, RelationReferences, RelationContradicts, RelationSupports:
		return true
	default:
		return false
	}
}
