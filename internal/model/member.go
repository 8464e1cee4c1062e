package model

import "time"

// Member is the holder profile the envelope ledger touches. EnvelopeNumber
// is denormalized from the envelope the member currently holds and is
// maintained inside the assign/release transactions.
type Member struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ChurchID       string    `gorm:"size:36;not null;index" json:"churchId"`
	FirstName      string    `gorm:"size:64" json:"firstName"`
	LastName       string    `gorm:"size:64" json:"lastName"`
	EnvelopeNumber *int      `json:"envelopeNumber"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Member) TableName() string { return "members" }
