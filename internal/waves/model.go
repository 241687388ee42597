package waves

import "time"

const (
	// DeletedWaveBody replaces the body snapshot on ripples of a deleted wave.
	DeletedWaveBody = "This wave has been deleted"
	// DeletedWaveSuffix is appended to the wave id held by ripples of a deleted wave.
	DeletedWaveSuffix = "-deleted"
)

// Author identifies the user performing a write along with the picture snapshotted onto it.
type Author struct {
	Handle         string
	DisplayPicture string
}

// Wave is a user's post.
type Wave struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Body           string    `gorm:"column:body;type:text;not null" json:"body"`
	Handle         string    `gorm:"column:handle;size:190;not null;index" json:"handle"`
	DisplayPicture string    `gorm:"column:display_picture;type:text" json:"displayPicture"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index" json:"createdAt"`
	SplashCount    int64     `gorm:"column:splash_count;not null;default:0" json:"splashCount"`
	CommentCount   int64     `gorm:"column:comment_count;not null;default:0" json:"commentCount"`
	RippleCount    int64     `gorm:"column:ripple_count;not null;default:0" json:"rippleCount"`
}

func (Wave) TableName() string {
	return "waves"
}

type Comment struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	WaveID         string    `gorm:"column:wave_id;size:190;not null;index" json:"waveId"`
	Body           string    `gorm:"column:body;type:text;not null" json:"body"`
	Handle         string    `gorm:"column:handle;size:190;not null;index" json:"handle"`
	DisplayPicture string    `gorm:"column:display_picture;type:text" json:"displayPicture"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Comment) TableName() string {
	return "comments"
}

// Splash is a like. A handle splashes a wave at most once.
type Splash struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	WaveID    string    `gorm:"column:wave_id;size:190;not null;uniqueIndex:idx_splashes_handle_wave,priority:2;index" json:"waveId"`
	Handle    string    `gorm:"column:handle;size:190;not null;uniqueIndex:idx_splashes_handle_wave,priority:1" json:"handle"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Splash) TableName() string {
	return "splashes"
}

// Ripple is a repost. It snapshots the body and author of the rippled wave.
type Ripple struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	WaveID         string    `gorm:"column:wave_id;size:190;not null;uniqueIndex:idx_ripples_handle_wave,priority:2;index" json:"waveId"`
	Handle         string    `gorm:"column:handle;size:190;not null;uniqueIndex:idx_ripples_handle_wave,priority:1" json:"handle"`
	DisplayPicture string    `gorm:"column:display_picture;type:text" json:"displayPicture"`
	WaveBody       string    `gorm:"column:wave_body;type:text;not null" json:"waveBody"`
	WaveHandle     string    `gorm:"column:wave_handle;size:190;not null" json:"waveHandle"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Ripple) TableName() string {
	return "ripples"
}

// WaveDetail is a wave together with its comments, newest first.
type WaveDetail struct {
	Wave
	Comments []Comment `json:"comments"`
}
