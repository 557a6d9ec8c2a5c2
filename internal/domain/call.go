package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallType is fixed at creation
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the server-side lifecycle status of a call session
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusActive    CallStatus = "active"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusMissed    CallStatus = "missed"
)

var transitions = map[CallStatus][]CallStatus{
	CallStatusPending: {
		CallStatusAccepted, CallStatusRejected, CallStatusCancelled,
		CallStatusActive, CallStatusEnded, CallStatusMissed,
	},
	CallStatusAccepted: {
		CallStatusActive, CallStatusRejected, CallStatusCancelled,
		CallStatusEnded, CallStatusMissed,
	},
	CallStatusActive: {CallStatusEnded, CallStatusMissed},
}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusPending, CallStatusAccepted, CallStatusActive,
		CallStatusEnded, CallStatusRejected, CallStatusCancelled, CallStatusMissed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusCancelled, CallStatusMissed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the status order.
// Statuses never move backwards and terminal statuses never move at all.
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Role is which side of a call a participant is on
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleReceiver:
		return "receiver"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Counterpart returns the opposite role
func (r Role) Counterpart() Role {
	if r == RoleInitiator {
		return RoleReceiver
	}
	return RoleInitiator
}

// SessionDescription is an SDP offer or answer in the RTCSessionDescriptionInit shape
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one trickled candidate in the RTCIceCandidateInit shape
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key is the serialized content of the candidate, used to recognise a candidate
// that has already been seen in an earlier snapshot.
func (c ICECandidate) Key() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// ICECandidates holds one append-only candidate log per role
type ICECandidates struct {
	Initiator []ICECandidate `json:"initiator"`
	Receiver  []ICECandidate `json:"receiver"`
}

// For returns the candidate log written by role
func (c ICECandidates) For(role Role) []ICECandidate {
	if role == RoleInitiator {
		return c.Initiator
	}
	return c.Receiver
}

// CallMetadata carries the signaling exchanged between the two peers
type CallMetadata struct {
	Offer         *SessionDescription `json:"offer"`
	Answer        *SessionDescription `json:"answer"`
	ICECandidates ICECandidates       `json:"iceCandidates"`
}

// CallSession is the persisted record of one two-party call
type CallSession struct {
	ID          uuid.UUID    `json:"id"`
	InitiatorID uuid.UUID    `json:"initiatorId"`
	ReceiverID  uuid.UUID    `json:"receiverId"`
	Type        CallType     `json:"type"`
	Status      CallStatus   `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	EndedAt     *time.Time   `json:"endedAt"`
	Duration    *int         `json:"duration"`
	Metadata    CallMetadata `json:"metadata"`
}

// NewCallSession builds a pending session started at now
func NewCallSession(initiatorID, receiverID uuid.UUID, callType CallType, now time.Time) *CallSession {
	return &CallSession{
		ID:          uuid.New(),
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		Type:        callType,
		Status:      CallStatusPending,
		StartedAt:   now,
		Metadata: CallMetadata{
			ICECandidates: ICECandidates{
				Initiator: []ICECandidate{},
				Receiver:  []ICECandidate{},
			},
		},
	}
}

// RoleOf returns the role userID plays in the call, or false for a non-participant
func (c *CallSession) RoleOf(userID uuid.UUID) (Role, bool) {
	switch userID {
	case c.InitiatorID:
		return RoleInitiator, true
	case c.ReceiverID:
		return RoleReceiver, true
	}
	return 0, false
}

// OtherParty returns the participant that is not userID
func (c *CallSession) OtherParty(userID uuid.UUID) uuid.UUID {
	if userID == c.InitiatorID {
		return c.ReceiverID
	}
	return c.InitiatorID
}

// Clone returns a deep copy so callers can hold a snapshot safely
func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	out := *c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Duration != nil {
		d := *c.Duration
		out.Duration = &d
	}
	if c.Metadata.Offer != nil {
		o := *c.Metadata.Offer
		out.Metadata.Offer = &o
	}
	if c.Metadata.Answer != nil {
		a := *c.Metadata.Answer
		out.Metadata.Answer = &a
	}
	out.Metadata.ICECandidates = ICECandidates{
		Initiator: append([]ICECandidate{}, c.Metadata.ICECandidates.Initiator...),
		Receiver:  append([]ICECandidate{}, c.Metadata.ICECandidates.Receiver...),
	}
	return &out
}

// ElapsedSeconds is the whole seconds between startedAt and at, never negative
func (c *CallSession) ElapsedSeconds(at time.Time) int {
	d := int(at.Sub(c.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// CallAction names a PATCH action on a call
type CallAction string

const (
	ActionOffer        CallAction = "offer"
	ActionAnswer       CallAction = "answer"
	ActionICECandidate CallAction = "ice-candidate"
	ActionAccept       CallAction = "accept"
	ActionReject       CallAction = "reject"
	ActionEnd          CallAction = "end"
	ActionStatus       CallAction = "status"
)

// CallPatch is the body of PATCH /calls/{id}
type CallPatch struct {
	Action       CallAction          `json:"action"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	ICECandidate *ICECandidate       `json:"iceCandidate,omitempty"`
	Status       CallStatus          `json:"status,omitempty"`
}

// HistoryFilter selects which calls the history view returns
type HistoryFilter string

const (
	HistoryAll      HistoryFilter = "all"
	HistorySent     HistoryFilter = "sent"
	HistoryReceived HistoryFilter = "received"
	HistoryMissed   HistoryFilter = "missed"
)

// CallLogEntry is one row of a user's call history
type CallLogEntry struct {
	ID          uuid.UUID  `json:"id"`
	Type        CallType   `json:"type"`
	Status      CallStatus `json:"status"`
	IsOutgoing  bool       `json:"isOutgoing"`
	OtherUserID uuid.UUID  `json:"otherUserId"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
	Duration    *int       `json:"duration"`
	Summary     string     `json:"summary"`
}
