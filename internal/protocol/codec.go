package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// string "type" field, or whose body does not match the type.
	ErrMalformed = errors.New("malformed frame")

	// ErrInvalidSignal is returned for webrtc_signal frames that do not carry
	// exactly one offer, answer or ICE candidate.
	ErrInvalidSignal = errors.New("signal must carry exactly one of offer, answer or ice-candidate")
)

// envelope is the part of every frame needed to pick the concrete type.
type envelope struct {
	Type *string `json:"type"`
}

// signalWire is the on-the-wire shape of a webrtc_signal frame.
type signalWire struct {
	Type       Type            `json:"type"`
	SignalType SignalType      `json:"signalType"`
	PeerID     string          `json:"peerId"`
	RoomID     string          `json:"roomId"`
	Signal     json.RawMessage `json:"signal"`
}

// Encode serializes a message into one JSON frame.
func Encode(msg Message) ([]byte, error) {
	var v any

	switch m := msg.(type) {
	case Authenticate:
		v = struct {
			Type Type `json:"type"`
			Authenticate
		}{m.Type(), m}
	case Authenticated:
		v = struct {
			Type Type `json:"type"`
			Authenticated
		}{m.Type(), m}
	case JoinRoom:
		v = struct {
			Type Type `json:"type"`
			JoinRoom
		}{m.Type(), m}
	case RoomJoined:
		if m.Users == nil {
			m.Users = []Participant{}
		}
		v = struct {
			Type Type `json:"type"`
			RoomJoined
		}{m.Type(), m}
	case UserJoined:
		v = struct {
			Type Type `json:"type"`
			UserJoined
		}{m.Type(), m}
	case UserLeft:
		v = struct {
			Type Type `json:"type"`
			UserLeft
		}{m.Type(), m}
	case LeaveRoom:
		v = struct {
			Type Type `json:"type"`
			LeaveRoom
		}{m.Type(), m}
	case Error:
		v = struct {
			Type Type `json:"type"`
			Error
		}{m.Type(), m}
	case Signal:
		w, err := encodeSignal(m)
		if err != nil {
			return nil, err
		}
		v = w
	case Unknown:
		return nil, fmt.Errorf("cannot encode unknown frame type %q", m.RawType)
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}

	return json.Marshal(v)
}

func encodeSignal(s Signal) (*signalWire, error) {
	kind, err := s.Kind()
	if err != nil {
		return nil, err
	}

	var payload any
	switch kind {
	case SignalOffer:
		payload = s.Offer
	case SignalAnswer:
		payload = s.Answer
	case SignalCandidate:
		payload = s.Candidate
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	return &signalWire{
		Type:       TypeSignal,
		SignalType: kind,
		PeerID:     s.PeerID,
		RoomID:     s.RoomID,
		Signal:     raw,
	}, nil
}

// Decode parses one JSON frame. Frames with an unrecognised type decode to
// Unknown without error; structurally broken frames fail with ErrMalformed
// (or ErrInvalidSignal for a bad webrtc_signal payload).
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch t := Type(*env.Type); t {
	case TypeAuthenticate:
		return decodeAs[Authenticate](data, t)
	case TypeAuthenticated:
		return decodeAs[Authenticated](data, t)
	case TypeJoinRoom:
		return decodeAs[JoinRoom](data, t)
	case TypeRoomJoined:
		return decodeAs[RoomJoined](data, t)
	case TypeUserJoined:
		m, err := decodeAs[UserJoined](data, t)
		if err == nil && m.UserID == "" {
			return nil, fmt.Errorf("%w: %s without userId", ErrMalformed, t)
		}
		return m, err
	case TypeUserLeft:
		m, err := decodeAs[UserLeft](data, t)
		if err == nil && m.UserID == "" {
			return nil, fmt.Errorf("%w: %s without userId", ErrMalformed, t)
		}
		return m, err
	case TypeLeaveRoom:
		return decodeAs[LeaveRoom](data, t)
	case TypeError:
		return decodeAs[Error](data, t)
	case TypeSignal:
		return decodeSignal(data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{RawType: *env.Type, Raw: raw}, nil
	}
}

func decodeAs[T Message](data []byte, t Type) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	return m, nil
}

func decodeSignal(data []byte) (Message, error) {
	var w signalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, TypeSignal, err)
	}
	if w.PeerID == "" {
		return nil, fmt.Errorf("%w: %s without peerId", ErrMalformed, TypeSignal)
	}
	if len(w.Signal) == 0 || string(w.Signal) == "null" {
		return nil, fmt.Errorf("%w: empty %s payload", ErrInvalidSignal, w.SignalType)
	}

	s := Signal{RoomID: w.RoomID, PeerID: w.PeerID}

	switch w.SignalType {
	case SignalOffer, SignalAnswer:
		want := webrtc.SDPTypeOffer
		if w.SignalType == SignalAnswer {
			want = webrtc.SDPTypeAnswer
		}
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(w.Signal, &sd); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidSignal, w.SignalType, err)
		}
		if sd.Type == webrtc.SDPTypeUnknown {
			sd.Type = want
		}
		if sd.Type != want || sd.SDP == "" {
			return nil, fmt.Errorf("%w: bad %s description", ErrInvalidSignal, w.SignalType)
		}
		if want == webrtc.SDPTypeOffer {
			s.Offer = &sd
		} else {
			s.Answer = &sd
		}

	case SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(w.Signal, &c); err != nil {
			return nil, fmt.Errorf("%w: candidate payload: %v", ErrInvalidSignal, err)
		}
		s.Candidate = &c

	default:
		return nil, fmt.Errorf("%w: unknown signalType %q", ErrInvalidSignal, w.SignalType)
	}

	return s, nil
}
