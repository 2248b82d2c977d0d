package models

import (
	"time"
)

// CueColor enumerates the tally signals a host can send.
type CueColor string

const (
	CueOff    CueColor = "OFF"
	CueRed    CueColor = "RED"
	CueYellow CueColor = "YELLOW"
	CueGreen  CueColor = "GREEN"
	CueCustom CueColor = "CUSTOM"
)

// RoomCue is an active cue signal. TargetParticipantID nil means the cue
// addresses everyone in the room.
type RoomCue struct {
	ID                  string   `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID              string   `gorm:"type:uuid;index" json:"roomId"`
	TargetParticipantID *string  `gorm:"type:uuid;index" json:"targetParticipantId,omitempty"`
	Color               CueColor `gorm:"type:varchar(16)" json:"color"`
	CustomColor         string   `json:"customColor,omitempty"` // hex, for CUSTOM
	Message             string   `json:"message,omitempty"`
	CreatedByID         string   `gorm:"type:uuid" json:"createdById"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Rundown is an ordered list of show segments.
type Rundown struct {
	ID        string        `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID    string        `gorm:"type:uuid;index" json:"roomId"`
	Title     string        `json:"title"`
	Items     []RundownItem `gorm:"foreignKey:RundownID" json:"items,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// RundownItemStatus tracks segment progression.
type RundownItemStatus string

const (
	ItemPending   RundownItemStatus = "PENDING"
	ItemCurrent   RundownItemStatus = "CURRENT"
	ItemCompleted RundownItemStatus = "COMPLETED"
)

// RundownItem is one segment. At most one item per rundown is CURRENT.
type RundownItem struct {
	ID            string            `gorm:"type:uuid;primaryKey" json:"id"`
	RundownID     string            `gorm:"type:uuid;index" json:"rundownId"`
	Position      int               `json:"position"`
	Title         string            `json:"title"`
	Notes         string            `gorm:"type:text" json:"notes,omitempty"`
	PlannedSec    int               `json:"plannedSec"`
	Status        RundownItemStatus `gorm:"type:varchar(16);index" json:"status"`
	ActualStartAt *time.Time        `json:"actualStartAt,omitempty"`
	ActualEndAt   *time.Time        `json:"actualEndAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// TalkbackGroup is a named set of participants addressed together by IFB.
type TalkbackGroup struct {
	ID        string                `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID    string                `gorm:"type:uuid;index" json:"roomId"`
	Name      string                `json:"name"`
	Members   []TalkbackGroupMember `gorm:"foreignKey:GroupID" json:"members,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// TalkbackGroupMember joins participants to talkback groups.
type TalkbackGroupMember struct {
	GroupID       string `gorm:"type:uuid;primaryKey" json:"groupId"`
	ParticipantID string `gorm:"type:uuid;primaryKey" json:"participantId"`
}

// IFBTargetType selects who hears an IFB session.
type IFBTargetType string

const (
	IFBTargetAll         IFBTargetType = "ALL"
	IFBTargetParticipant IFBTargetType = "PARTICIPANT"
	IFBTargetGroup       IFBTargetType = "GROUP"
)

// IFBSession is one active interruptible-foldback talk session from the host
// into contributor earpieces.
type IFBSession struct {
	ID          string        `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID      string        `gorm:"type:uuid;index" json:"roomId"`
	TargetType  IFBTargetType `gorm:"type:varchar(16)" json:"targetType"`
	TargetID    *string       `gorm:"type:uuid" json:"targetId,omitempty"`
	StartedByID string        `gorm:"type:uuid" json:"startedById"`
	DuckLevel   float64       `json:"duckLevel"` // program attenuation while talking, 0-1
	Active      bool          `gorm:"index" json:"active"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
}

// ChatType distinguishes public chat from producer notes and system lines.
type ChatType string

const (
	ChatPublic       ChatType = "CHAT"
	ChatProducerNote ChatType = "PRODUCER_NOTE"
	ChatSystem       ChatType = "SYSTEM"
)

// ChatMessage is one chat line. RecipientParticipantID set means the message
// is scoped to that recipient.
type ChatMessage struct {
	ID                     string   `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID                 string   `gorm:"type:uuid;index" json:"roomId"`
	SenderParticipantID    string   `gorm:"type:uuid;index" json:"senderParticipantId"`
	SenderName             string   `json:"senderName"`
	RecipientParticipantID *string  `gorm:"type:uuid" json:"recipientParticipantId,omitempty"`
	Type                   ChatType `gorm:"type:varchar(16)" json:"type"`
	Body                   string   `gorm:"type:text" json:"body"`
	CreatedAt              time.Time `json:"createdAt"`
}

// TimerKind selects countdown vs stopwatch behavior.
type TimerKind string

const (
	TimerCountdown TimerKind = "COUNTDOWN"
	TimerStopwatch TimerKind = "STOPWATCH"
)

// TimerState tracks a timer's run state.
type TimerState string

const (
	TimerStopped TimerState = "STOPPED"
	TimerRunning TimerState = "RUNNING"
	TimerPaused  TimerState = "PAUSED"
)

// RoomTimer is a shared production timer. Elapsed time accumulates in
// ElapsedMS; while RUNNING the live value adds the wall-clock delta since
// StartedAt.
type RoomTimer struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID      string     `gorm:"type:uuid;index" json:"roomId"`
	Label       string     `json:"label"`
	Kind        TimerKind  `gorm:"type:varchar(16)" json:"kind"`
	DurationSec int        `json:"durationSec,omitempty"` // countdown length
	State       TimerState `gorm:"type:varchar(16)" json:"state"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	ElapsedMS   int64      `json:"elapsedMs"`
	CreatedByID string     `gorm:"type:uuid" json:"createdById"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ElapsedAt returns total elapsed time as of now, including the running span.
func (t *RoomTimer) ElapsedAt(now time.Time) time.Duration {
	elapsed := time.Duration(t.ElapsedMS) * time.Millisecond
	if t.State == TimerRunning && t.StartedAt != nil {
		elapsed += now.Sub(*t.StartedAt)
	}
	return elapsed
}

// RemainingAt returns countdown time left, clamped at zero. Stopwatches
// always report zero.
func (t *RoomTimer) RemainingAt(now time.Time) time.Duration {
	if t.Kind != TimerCountdown {
		return 0
	}
	remaining := time.Duration(t.DurationSec)*time.Second - t.ElapsedAt(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
