package lab

import (
	"strings"
	"time"
)

type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusEnding   Status = "ENDING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// ActiveStatuses are the statuses counted against an owner's quota.
var ActiveStatuses = []Status{StatusQueued, StatusRunning}

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusEnding, StatusFinished, StatusFailed:
		return true
	}
	return false
}

type RuntimeKind string

const (
	RuntimeCompose RuntimeKind = "compose"
	RuntimeMicroVM RuntimeKind = "microvm"
)

func ParseRuntimeKind(raw string) (RuntimeKind, error) {
	switch kind := RuntimeKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case RuntimeCompose, RuntimeMicroVM:
		return kind, nil
	default:
		return "", &UnknownRuntimeError{Kind: raw}
	}
}

// Lab is one lab request row.
type Lab struct {
	ID          string
	OwnerID     string
	Status      Status
	RuntimeKind RuntimeKind

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	ExpiresAt *time.Time

	ResourceRef     string
	NetworkLeaseRef string

	StopReason      string
	FailureReason   string
	LastError       string
	DestroyAttempts int
	Parked          bool

	ClaimedBy string
	ClaimedAt *time.Time
	Version   int64
}

// Age reports how long the lab has been in its current status.
func (l Lab) Age(now time.Time) time.Duration {
	return now.Sub(l.UpdatedAt)
}

// FinalStatus is the terminal status a successful teardown should write.
func (l Lab) FinalStatus() Status {
	if strings.TrimSpace(l.FailureReason) != "" {
		return StatusFailed
	}
	return StatusFinished
}
