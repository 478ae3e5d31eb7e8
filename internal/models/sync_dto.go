package models

import (
	"encoding/json"
	"time"
)

// Sync manager states
const (
	SyncStateIdle     = "IDLE"
	SyncStateDraining = "DRAINING"
	SyncStateBackoff  = "BACKOFF"
)

// SyncStatus is the observable state of the sync core
type SyncStatus struct {
	QueueLength        int        `json:"queueLength"`
	IsSyncing          bool       `json:"isSyncing"`
	IsOnline           bool       `json:"isOnline"`
	State              string     `json:"state"`
	CredentialsBlocked bool       `json:"credentialsBlocked"`
	LastError          string     `json:"lastError,omitempty"`
	LastSyncAt         *time.Time `json:"lastSyncAt,omitempty"`
	NextAttemptAt      *time.Time `json:"nextAttemptAt,omitempty"`
}

// DroppedOperation describes an operation abandoned after its retry budget
type DroppedOperation struct {
	OperationID  string     `json:"operationId"`
	Kind         string     `json:"kind"`
	TargetEntity EntityKind `json:"targetEntity"`
	TargetID     string     `json:"targetId"`
	Attempts     int        `json:"attempts"`
	Reason       string     `json:"reason"`
}

// EnqueueWriteRequest is the body of POST /api/sync/operations
type EnqueueWriteRequest struct {
	Kind         OperationKind   `json:"kind"`
	TargetEntity EntityKind      `json:"targetEntity"`
	Payload      json.RawMessage `json:"payload"`
}

// RecordDoseRequest is the body of POST /api/medicines/{id}/doses
type RecordDoseRequest struct {
	Status        string `json:"status"`
	SnoozeMinutes int    `json:"snoozeMinutes"`
	Note          string `json:"note"`
}

// RefreshResult summarises a pull from the remote store
type RefreshResult struct {
	Medicines  int `json:"medicines"`
	DoseEvents int `json:"doseEvents"`
	Profiles   int `json:"profiles"`
	Skipped    int `json:"skipped"`
}

// HealthResponse for GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the JSON error body returned by the local API
type ErrorResponse struct {
	Error string `json:"error"`
}
