package model

import "time"

// Envelope is one numbered collection envelope belonging to a church.
// MemberID is nil while the envelope is unassigned; envelope numbers are
// unique per church but may repeat across churches.
type Envelope struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	ChurchID       string     `gorm:"size:36;not null;uniqueIndex:idx_envelopes_church_number" json:"churchId"`
	EnvelopeNumber int        `gorm:"not null;uniqueIndex:idx_envelopes_church_number" json:"envelopeNumber"`
	MemberID       *string    `gorm:"size:36;index" json:"memberId"`
	AssignedAt     *time.Time `json:"assignedAt"`
	ReleasedAt     *time.Time `json:"releasedAt"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	Member *Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}

func (Envelope) TableName() string { return "envelopes" }

// Assigned reports whether the envelope currently has a holder.
func (e *Envelope) Assigned() bool { return e.MemberID != nil }
