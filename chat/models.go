package chat

import "time"

const (
	conversationActive   = "active"
	conversationArchived = "archived"
	conversationCaptured = "captured"
)

type Conversation struct {
	ID        uint64     `gorm:"primaryKey" json:"id"`
	PublicID  string     `gorm:"column:public_id;size:36;uniqueIndex" json:"public_id"`
	UserID    uint64     `gorm:"column:user_id;index:idx_conversations_user,priority:1" json:"user_id"`
	Title     *string    `gorm:"column:title;size:255" json:"title,omitempty"`
	Status    string     `gorm:"size:16;not null;default:'active';index:idx_conversations_user,priority:2" json:"status"`
	SourceID  *uint64    `gorm:"column:source_id" json:"source_id,omitempty"`
	LastMsgAt *time.Time `gorm:"column:last_msg_at" json:"last_msg_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "chat_conversations"
}

type Message struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	ConversationID uint64    `gorm:"column:conversation_id;index:idx_messages_conversation_seq,priority:1" json:"conversation_id"`
	Seq            int       `gorm:"column:seq;index:idx_messages_conversation_seq,priority:2" json:"seq"`
	Role           string    `gorm:"column:role;size:16" json:"role"`
	Content        string    `gorm:"column:content;type:text" json:"content"`
	TokenInput     *int      `gorm:"column:token_input" json:"token_input,omitempty"`
	TokenOutput    *int      `gorm:"column:token_output" json:"token_output,omitempty"`
	LatencyMs      *int      `gorm:"column:latency_ms" json:"latency_ms,omitempty"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Message) TableName() string {
	return "chat_messages"
}
