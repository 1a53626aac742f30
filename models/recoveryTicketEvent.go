package models

import "time"

// RecoveryTicketEvent is one row of a ticket's lifecycle log. Written in the
// same transaction as the status change it records.
type RecoveryTicketEvent struct {
	ID         int                  `gorm:"primary_key" json:"id"`
	TicketId   int                  `gorm:"not null;index" json:"ticketId"`
	Action     TicketAction         `gorm:"size:20;not null" json:"action"`
	FromStatus RecoveryTicketStatus `gorm:"size:20" json:"fromStatus"`
	ToStatus   RecoveryTicketStatus `gorm:"size:20;not null" json:"toStatus"`
	ActorId    int                  `gorm:"not null;index" json:"actorId"`
	Note       string               `gorm:"type:text" json:"note,omitempty"`
	CreatedAt  time.Time            `gorm:"autoCreateTime" json:"createdAt"`
}
