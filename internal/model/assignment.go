package model

import "time"

// Ledger activity types.
const (
	ActivityAssignment = "ASSIGNMENT"
	ActivityRelease    = "RELEASE"
)

// EnvelopeAssignment is an immutable ledger entry recording one assignment
// or release event. Rows are only ever inserted, never updated or deleted.
// For RELEASE entries MemberID is the former holder.
type EnvelopeAssignment struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	EnvelopeID   string    `gorm:"size:36;not null;index:idx_assignments_envelope_church" json:"envelopeId"`
	ChurchID     string    `gorm:"size:36;not null;index:idx_assignments_envelope_church" json:"churchId"`
	MemberID     string    `gorm:"size:36;not null" json:"memberId"`
	ActivityType string    `gorm:"size:16;not null" json:"activityType"`
	ActivityAt   time.Time `gorm:"not null" json:"activityAt"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Member *Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}

func (EnvelopeAssignment) TableName() string { return "envelope_assignments" }
