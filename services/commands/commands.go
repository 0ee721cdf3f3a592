// Package commands is the durable, facility-scoped outbound command queue.
//
// Every status change is a single conditional UPDATE on (id, version), so the
// dispatcher and operator actions can race without read-modify-write loss.
package commands

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"gatewarden/pkg/protocol"
)

// Status is a command's position in its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead"
	StatusCanceled Status = "canceled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusSending, StatusAcked, StatusFailed, StatusDead, StatusCanceled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusAcked, StatusFailed, StatusDead, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition happens without operator action.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusDead || s == StatusCanceled
}

// Result is the outcome of one delivery attempt.
type Result string

const (
	ResultAcked   Result = "acked"
	ResultFailed  Result = "failed"
	ResultTimeout Result = "timeout"
)

var (
	ErrNotFound       = errors.New("command not found")
	ErrConflict       = errors.New("command changed concurrently")
	ErrInvalidState   = errors.New("command is not in a state that allows this operation")
	ErrGatewayOffline = errors.New("gateway offline")
)

// Command is a signed payload addressed to one facility's gateway.
type Command struct {
	ID            uuid.UUID        `json:"id"`
	FacilityID    string           `json:"facility_id"`
	CmdType       protocol.CmdType `json:"cmd_type"`
	Payload       json.RawMessage  `json:"payload"`
	Signature     string           `json:"signature"`
	Status        Status           `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	Version       int              `json:"version"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	LastAttemptAt *time.Time       `json:"last_attempt_at,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Message renders the command as the frame pushed to the gateway.
func (c Command) Message() protocol.Command {
	return protocol.Command{ID: c.ID.String(), Payload: c.Payload, Signature: c.Signature}
}

// Attempt is one delivery attempt.
type Attempt struct {
	ID          uuid.UUID `json:"id"`
	CommandID   uuid.UUID `json:"command_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Result      Result    `json:"result"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Manual      bool      `json:"manual"`
}

type commandModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	FacilityID    string    `gorm:"not null;index:idx_commands_facility_status"`
	CmdType       string    `gorm:"not null"`
	Payload       string    `gorm:"not null"`
	Signature     string
	Status        string    `gorm:"not null;index:idx_commands_facility_status;index:idx_commands_due"`
	AttemptCount  int       `gorm:"not null;default:0"`
	Version       int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"not null;index:idx_commands_due"`
	LastAttemptAt *time.Time
	LastError     string
	CreatedBy     string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (commandModel) TableName() string { return "commands" }

func (m commandModel) toAPI() Command {
	return Command{
		ID:            m.ID,
		FacilityID:    m.FacilityID,
		CmdType:       protocol.CmdType(m.CmdType),
		Payload:       json.RawMessage(m.Payload),
		Signature:     m.Signature,
		Status:        Status(m.Status),
		AttemptCount:  m.AttemptCount,
		Version:       m.Version,
		NextAttemptAt: m.NextAttemptAt,
		LastAttemptAt: m.LastAttemptAt,
		LastError:     m.LastError,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

type attemptModel struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey"`
	CommandID   uuid.UUID    `gorm:"type:uuid;not null;index"`
	AttemptedAt time.Time    `gorm:"not null"`
	Result      string       `gorm:"not null"`
	ErrorDetail string
	Manual      bool         `gorm:"not null;default:false"`
	Command     commandModel `gorm:"foreignKey:CommandID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (attemptModel) TableName() string { return "command_attempts" }

func (m attemptModel) toAPI() Attempt {
	return Attempt{
		ID:          m.ID,
		CommandID:   m.CommandID,
		AttemptedAt: m.AttemptedAt,
		Result:      Result(m.Result),
		ErrorDetail: m.ErrorDetail,
		Manual:      m.Manual,
	}
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&commandModel{}, &attemptModel{}}
}
