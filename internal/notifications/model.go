package notifications

import "time"

// Type names the interaction that produced a notification.
type Type string

const (
	TypeComment Type = "comment"
	TypeSplash  Type = "splash"
	TypeRipple  Type = "ripple"
)

// Notification tells a wave author that another user interacted with the wave.
// Its id is the id of the comment, splash or ripple that caused it.
type Notification struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Recipient string    `gorm:"column:recipient;size:190;not null;index:idx_notifications_recipient_created,priority:1" json:"recipient"`
	Sender    string    `gorm:"column:sender;size:190;not null" json:"sender"`
	Type      Type      `gorm:"column:type;size:16;not null" json:"type"`
	Read      bool      `gorm:"column:is_read;not null;default:false" json:"read"`
	WaveID    string    `gorm:"column:wave_id;size:190;not null;index" json:"waveId"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_notifications_recipient_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
