package models

import "time"

type AuditAction string

const (
	AuditActionCreate       AuditAction = "create"
	AuditActionUpdate       AuditAction = "update"
	AuditActionStatusChange AuditAction = "status_change"
	AuditActionShip         AuditAction = "ship"
	AuditActionCancel       AuditAction = "cancel"
	AuditActionDeliver      AuditAction = "deliver"
)

// AuditLogEntry is an immutable fact: written once, never updated or deleted.
// One entry per observed transition or action, not per poll attempt.
type AuditLogEntry struct {
	ID         string // uuid
	EntityType string
	EntityID   string
	Action     AuditAction
	Changes    []FieldChange
	PerformedBy string
	Reason     string
	Metadata   AuditMetadata
	CreatedAt  time.Time
}

type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

type AuditMetadata struct {
	OrderNumber  string `json:"order_number,omitempty"`
	DocketNumber string `json:"docket_number,omitempty"`
}
