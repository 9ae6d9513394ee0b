package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUninitializedSequence is returned when the sequence counter row has never
// been seeded. It is a startup error, not a retryable one.
var ErrUninitializedSequence = errors.New("sequence not initialized")

// Status is the lifecycle state of a NeedRecord.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusSent:
		return true
	}
	return false
}

// Stage is the position of an admitted message between admission and
// NeedRecord creation.
type Stage string

const (
	StageClassify Stage = "classify"
	StageEnrich   Stage = "enrich"
	StageDone     Stage = "done"
	StageDropped  Stage = "dropped"
)

// NeedRecord tracks one need through pending -> approved -> sent.
// AffiliateLink is empty while the record is pending.
type NeedRecord struct {
	SequenceID        int64     `json:"sequence_id"`
	Contact           string    `json:"contact"`
	QueryText         string    `json:"query_text"`
	GeneratedResponse string    `json:"generated_response"`
	AffiliateLink     string    `json:"affiliate_link,omitempty"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WorkItem is the durable copy of an item travelling through the in-memory
// classification and enrichment queues.
type WorkItem struct {
	SequenceID int64     `json:"sequence_id"`
	Contact    string    `json:"contact"`
	Text       string    `json:"text"`
	Stage      Stage     `json:"stage"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Admission is the result of Admit.
type Admission struct {
	SequenceID int64
	Admitted   bool
}
