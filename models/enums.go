package models

import (
	"fmt"
	"strings"
)

type RecoveryTicketStatus string

const (
	RecoveryTicketStatusPending    RecoveryTicketStatus = "PENDING"
	RecoveryTicketStatusApproved   RecoveryTicketStatus = "APPROVED"
	RecoveryTicketStatusRejected   RecoveryTicketStatus = "REJECTED"
	RecoveryTicketStatusInProgress RecoveryTicketStatus = "IN_PROGRESS"
	RecoveryTicketStatusRecovered  RecoveryTicketStatus = "RECOVERED"
	RecoveryTicketStatusCancelled  RecoveryTicketStatus = "CANCELLED"
)

var AllRecoveryTicketStatuses = []RecoveryTicketStatus{
	RecoveryTicketStatusPending,
	RecoveryTicketStatusApproved,
	RecoveryTicketStatusRejected,
	RecoveryTicketStatusInProgress,
	RecoveryTicketStatusRecovered,
	RecoveryTicketStatusCancelled,
}

// recoveryTicketTransitions is the only transition table. Statuses absent
// from it, and statuses mapped to nothing, are terminal.
var recoveryTicketTransitions = map[RecoveryTicketStatus][]RecoveryTicketStatus{
	RecoveryTicketStatusPending:    {RecoveryTicketStatusApproved, RecoveryTicketStatusRejected, RecoveryTicketStatusCancelled},
	RecoveryTicketStatusApproved:   {RecoveryTicketStatusInProgress, RecoveryTicketStatusCancelled},
	RecoveryTicketStatusInProgress: {RecoveryTicketStatusRecovered, RecoveryTicketStatusCancelled},
}

func (s RecoveryTicketStatus) IsValid() bool {
	for _, v := range AllRecoveryTicketStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s RecoveryTicketStatus) IsTerminal() bool {
	return len(AllowedNext(s)) == 0
}

// AllowedNext returns a copy of the statuses reachable from from.
func AllowedNext(from RecoveryTicketStatus) []RecoveryTicketStatus {
	next := recoveryTicketTransitions[from]
	out := make([]RecoveryTicketStatus, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to RecoveryTicketStatus) bool {
	for _, s := range recoveryTicketTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor lists every status that may move to to, in declaration order.
func SourcesFor(to RecoveryTicketStatus) []RecoveryTicketStatus {
	var sources []RecoveryTicketStatus
	for _, from := range AllRecoveryTicketStatuses {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

func NonTerminalStatuses() []RecoveryTicketStatus {
	var out []RecoveryTicketStatus
	for _, s := range AllRecoveryTicketStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func ParseRecoveryTicketStatus(v string) (RecoveryTicketStatus, error) {
	s := RecoveryTicketStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid recovery ticket status %q", v)
	}
	return s, nil
}

type TicketAction string

const (
	TicketActionCreate     TicketAction = "CREATE"
	TicketActionApprove    TicketAction = "APPROVE"
	TicketActionReject     TicketAction = "REJECT"
	TicketActionInProgress TicketAction = "IN_PROGRESS"
	TicketActionRecover    TicketAction = "RECOVER"
	TicketActionCancel     TicketAction = "CANCEL"
	TicketActionAssign     TicketAction = "ASSIGN"
)

type NotificationType string

const (
	NotificationTypeTicketCreated  NotificationType = "TICKET_CREATED"
	NotificationTypeTicketAssigned NotificationType = "TICKET_ASSIGNED"
)

// Outbox publish statuses for NotificationRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
