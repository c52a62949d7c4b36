// Package session tracks transfer attempts between peer nodes. One record
// exists per attempt; the orchestrator is the only writer.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction of a transfer relative to the initiating node
type Direction string

const (
	DirectionPush Direction = "PUSH"
	DirectionPull Direction = "PULL"
)

// Status is the session's position in the transfer state machine
type Status string

const (
	StatusPreparing    Status = "PREPARING"
	StatusTransferring Status = "TRANSFERRING"
	StatusRestoring    Status = "RESTORING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Phase labels recorded alongside status for progress-reporting granularity
const (
	PhaseBackup   = "backup"
	PhaseTransfer = "transfer"
	PhaseRestore  = "restore"
)

var statusOrder = map[Status]int{
	StatusPreparing:    0,
	StatusTransferring: 1,
	StatusRestoring:    2,
	StatusCompleted:    3,
}

// CanTransition reports whether moving from s to next is legal. Status only
// moves forward; FAILED is reachable from any non-terminal state and no
// backward transition exists.
func (s Status) CanTransition(next Status) bool {
	if s == StatusCompleted || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	nextOrder, ok := statusOrder[next]
	return ok && nextOrder > statusOrder[s]
}

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SyncSession is one tracked PUSH or PULL attempt.
//
// TotalRecords and TransferredRecords are unit-overloaded, inherited from the
// original wire shape: transfer phases store raw byte counts in them, restore
// phases store statement counts.
type SyncSession struct {
	SessionID          string
	Direction          Direction
	Status             Status
	Phase              string
	CurrentStep        string
	Progress           int // 0-100
	TotalRecords       int64
	TransferredRecords int64
	TransferredBytes   int64
	TransferSpeed      float64 // bytes per second
	ErrorMessage       string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// New creates a session in PREPARING. An empty sessionID gets a generated one.
func New(sessionID string, direction Direction) *SyncSession {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &SyncSession{
		SessionID: sessionID,
		Direction: direction,
		Status:    StatusPreparing,
		Phase:     PhaseBackup,
		StartedAt: time.Now().UTC(),
	}
}

// Transition moves the session forward through the state machine. Terminal
// statuses stamp CompletedAt.
func (s *SyncSession) Transition(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for session %s", s.Status, next, s.SessionID)
	}
	s.Status = next
	if next.Terminal() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	return nil
}

// Fail transitions to FAILED and records the error message. Failing an
// already-terminal session is a no-op.
func (s *SyncSession) Fail(err error) {
	if s.Status.Terminal() {
		return
	}
	_ = s.Transition(StatusFailed)
	if err != nil {
		s.ErrorMessage = err.Error()
	}
}
