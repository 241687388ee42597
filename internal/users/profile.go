package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

// User is the public profile attached to an identity provider account.
type User struct {
	Handle         string    `gorm:"column:handle;primaryKey;size:190;not null" json:"handle"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex" json:"userId"`
	Email          string    `gorm:"column:email;size:320;not null" json:"email"`
	DisplayPicture string    `gorm:"column:display_picture;type:text" json:"displayPicture"`
	Bio            string    `gorm:"column:bio;type:text" json:"bio,omitempty"`
	Website        string    `gorm:"column:website;size:512" json:"website,omitempty"`
	Location       string    `gorm:"column:location;size:190" json:"location,omitempty"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName exposes the table backing user profiles.
func (User) TableName() string {
	return "users"
}

// Actor is the authenticated user a request acts on behalf of.
type Actor struct {
	Handle         string
	DisplayPicture string
	UserID         string
	Email          string
}

func (u User) Actor() Actor {
	return Actor{
		Handle:         u.Handle,
		DisplayPicture: u.DisplayPicture,
		UserID:         u.UserID,
		Email:          u.Email,
	}
}

// Author converts the actor into the snapshot stamped onto waves and their children.
func (a Actor) Author() waves.Author {
	return waves.Author{Handle: a.Handle, DisplayPicture: a.DisplayPicture}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
