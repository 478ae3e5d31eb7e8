package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind is the mutation type carried by a queued operation
type OperationKind string

const (
	KindInsert OperationKind = "INSERT"
	KindUpdate OperationKind = "UPDATE"
	KindDelete OperationKind = "DELETE"
)

// Valid reports whether k is a known kind
func (k OperationKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// EntityKind names the record type an operation targets
type EntityKind string

const (
	EntityMedicine  EntityKind = "medicine"
	EntityDoseEvent EntityKind = "doseEvent"
	EntityProfile   EntityKind = "profile"
)

// Valid reports whether e is a known entity
func (e EntityKind) Valid() bool {
	switch e {
	case EntityMedicine, EntityDoseEvent, EntityProfile:
		return true
	}
	return false
}

// SyncOperation is a mutation waiting for confirmation by the remote store
type SyncOperation struct {
	Seq                   int64           `json:"seq" db:"seq"`
	ID                    string          `json:"id" db:"id"`
	Kind                  OperationKind   `json:"kind" db:"kind"`
	TargetEntity          EntityKind      `json:"targetEntity" db:"target_entity"`
	TargetID              string          `json:"targetId" db:"target_id"`
	OwnerEmail            string          `json:"ownerEmail" db:"owner_email"`
	Payload               json.RawMessage `json:"payload" db:"payload"`
	EnqueuedAtEpochMillis int64           `json:"enqueuedAtEpochMillis" db:"enqueued_at_ms"`
	RetryCount            int             `json:"retryCount" db:"retry_count"`
	Confirmed             bool            `json:"confirmed" db:"confirmed"`
}

// NewSyncOperation builds an operation whose payload is the JSON form of record
func NewSyncOperation(kind OperationKind, target EntityKind, targetID, owner string, record interface{}) (*SyncOperation, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return &SyncOperation{
		ID:                    uuid.New().String(),
		Kind:                  kind,
		TargetEntity:          target,
		TargetID:              targetID,
		OwnerEmail:            owner,
		Payload:               payload,
		EnqueuedAtEpochMillis: time.Now().UnixMilli(),
	}, nil
}

// Medicine decodes the payload as a medicine
func (op *SyncOperation) Medicine() (*MedicineRecord, error) {
	var m MedicineRecord
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DoseEvent decodes the payload as a dose event
func (op *SyncOperation) DoseEvent() (*DoseEvent, error) {
	var d DoseEvent
	if err := json.Unmarshal(op.Payload, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Profile decodes the payload as a profile
func (op *SyncOperation) Profile() (*UserProfile, error) {
	var p UserProfile
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
