// Package protocol defines the JSON frames exchanged with the room signaling
// server. Every frame is one JSON object with a required "type" field; the
// set of frames is closed and decoded once at the transport boundary.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Type is the value of a frame's "type" field.
type Type string

// Frame types.
const (
	TypeAuthenticate  Type = "authenticate"
	TypeAuthenticated Type = "authenticated"
	TypeJoinRoom      Type = "join_room"
	TypeRoomJoined    Type = "room_joined"
	TypeUserJoined    Type = "user_joined"
	TypeUserLeft      Type = "user_left"
	TypeSignal        Type = "webrtc_signal"
	TypeLeaveRoom     Type = "leave_room"
	TypeError         Type = "error"
)

// SignalType is the "signalType" discriminator of a webrtc_signal frame.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// ErrorCode is the optional "code" of an error frame.
type ErrorCode string

// Error codes with a distinct client-side recovery policy.
const (
	CodeRoomNotFound   ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull       ErrorCode = "ROOM_FULL"
	CodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	CodeAuthFailed     ErrorCode = "AUTH_FAILED"
	CodeNotInRoom      ErrorCode = "NOT_IN_ROOM"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
)

// Message is one decoded frame. The set of implementations is closed:
// every concrete type lives in this package.
type Message interface {
	Type() Type
	message()
}

// Participant is one roster entry.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Authenticate asks the server to bind a credential to this connection.
type Authenticate struct {
	Token string `json:"token"`
}

// Authenticated is the successful answer to Authenticate.
type Authenticated struct {
	UserID string `json:"userId"`
}

// JoinRoom asks the server to add the local participant to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// RoomJoined confirms a join and carries the members already present
// (excluding the local participant). Messages is chat history, passed
// through opaque.
type RoomJoined struct {
	RoomID   string            `json:"roomId,omitempty"`
	Users    []Participant     `json:"users"`
	Messages []json.RawMessage `json:"messages,omitempty"`
}

// UserJoined is pushed when a participant enters the room.
type UserJoined struct {
	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserLeft is pushed when a participant leaves the room.
type UserLeft struct {
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId"`
}

// LeaveRoom tells the server the local participant is leaving.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// Error is a server-side failure report.
type Error struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// Signal carries one negotiation payload between the local participant and
// PeerID. Outbound, PeerID names the target; inbound, the server rewrites it
// to the sender. Exactly one of Offer, Answer or Candidate is set.
type Signal struct {
	RoomID    string
	PeerID    string
	Offer     *webrtc.SessionDescription
	Answer    *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// Unknown is a well-formed frame whose type this package does not know.
type Unknown struct {
	RawType string
	Raw     json.RawMessage
}

func (Authenticate) Type() Type  { return TypeAuthenticate }
func (Authenticated) Type() Type { return TypeAuthenticated }
func (JoinRoom) Type() Type      { return TypeJoinRoom }
func (RoomJoined) Type() Type    { return TypeRoomJoined }
func (UserJoined) Type() Type    { return TypeUserJoined }
func (UserLeft) Type() Type      { return TypeUserLeft }
func (LeaveRoom) Type() Type     { return TypeLeaveRoom }
func (Error) Type() Type         { return TypeError }
func (Signal) Type() Type        { return TypeSignal }
func (u Unknown) Type() Type     { return Type(u.RawType) }

func (Authenticate) message()  {}
func (Authenticated) message() {}
func (JoinRoom) message()      {}
func (RoomJoined) message()    {}
func (UserJoined) message()    {}
func (UserLeft) message()      {}
func (LeaveRoom) message()     {}
func (Error) message()         {}
func (Signal) message()        {}
func (Unknown) message()       {}

// Kind reports which payload the signal carries. It fails unless exactly
// one of Offer, Answer or Candidate is set.
func (s Signal) Kind() (SignalType, error) {
	var kind SignalType
	n := 0
	if s.Offer != nil {
		kind = SignalOffer
		n++
	}
	if s.Answer != nil {
		kind = SignalAnswer
		n++
	}
	if s.Candidate != nil {
		kind = SignalCandidate
		n++
	}
	if n != 1 {
		return "", ErrInvalidSignal
	}
	return kind, nil
}

// OfferSignal builds an offer addressed to peerID.
func OfferSignal(roomID, peerID string, sd webrtc.SessionDescription) Signal {
	return Signal{RoomID: roomID, PeerID: peerID, Offer: &sd}
}

// AnswerSignal builds an answer addressed to peerID.
func AnswerSignal(roomID, peerID string, sd webrtc.SessionDescription) Signal {
	return Signal{RoomID: roomID, PeerID: peerID, Answer: &sd}
}

// CandidateSignal builds an ICE candidate addressed to peerID.
func CandidateSignal(roomID, peerID string, c webrtc.ICECandidateInit) Signal {
	return Signal{RoomID: roomID, PeerID: peerID, Candidate: &c}
}
