// Package protocol defines the wire surface: the tagged-union JSON envelope,
// the command/event type registry, and room code handling.
//
// Every inbound frame is validated against the schema registered for its
// type tag. Validation failures are answered with a typed error event on the
// same connection, never a disconnect.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Message is the wire envelope for both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Client -> server command types.
const (
	CmdRoomJoin      = "room.join"
	CmdRoomLeave     = "room.leave"
	CmdGameStart     = "game.start"
	CmdGameRematch   = "game.rematch"
	CmdDiceRoll      = "dice.roll"
	CmdDiceKeep      = "dice.keep"
	CmdCategoryScore = "category.score"

	CmdChat        = "chat"
	CmdQuickChat   = "quick_chat"
	CmdReaction    = "reaction"
	CmdTypingStart = "typing_start"
	CmdTypingStop  = "typing_stop"

	CmdCreateRoom        = "create_room"
	CmdListRooms         = "list_rooms"
	CmdOnlineUsers       = "online_users"
	CmdInvite            = "invite"
	CmdInviteResponse    = "invite_response"
	CmdRequestJoin       = "request_join"
	CmdCancelJoinRequest = "cancel_join_request"
	CmdApproveJoin       = "approve_join"
	CmdDeclineJoin       = "decline_join"

	CmdSpectatorPredict = "spectator.predict"
	CmdSpectatorRoot    = "spectator.root"
	CmdQueueJoin        = "queue.join"
	CmdQueueLeave       = "queue.leave"
)

// Server -> client event types.
const (
	EvtRoomState        = "room.state"
	EvtPlayerJoined     = "player.joined"
	EvtPlayerLeft       = "player.left"
	EvtPlayerConnection = "player.connection"
	EvtPlayerRemoved    = "player.removed"
	EvtPlayerForfeited  = "player.forfeited"
	EvtPlayerAfkWarning = "player.afk_warning"

	EvtGameStarting  = "game.starting"
	EvtGameStarted   = "game.started"
	EvtGameCompleted = "game.completed"

	EvtTurnStarted    = "turn.started"
	EvtTurnEnded      = "turn.ended"
	EvtTurnSkipped    = "turn.skipped"
	EvtDiceRolled     = "dice.rolled"
	EvtDiceKept       = "dice.kept"
	EvtCategoryScored = "category.scored"

	EvtChat      = "chat"
	EvtReaction  = "reaction"
	EvtTyping    = "typing"
	EvtSpectator = "spectator"

	EvtRoomCreated       = "room_created"
	EvtRoomUpdate        = "room_update"
	EvtRooms             = "rooms"
	EvtPresence          = "presence"
	EvtOnlineUsers       = "online_users"
	EvtInviteReceived    = "invite_received"
	EvtInviteResult      = "invite_result"
	EvtJoinRequestSent   = "join_request_sent"
	EvtJoinRequestRecv   = "join_request_received"
	EvtJoinRequestResult = "join_request_result"
	EvtQueueUpdate       = "queue.update"

	EvtError = "error"
)

// Error codes carried in error events.
const (
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeInvalidAction  = "INVALID_ACTION"
	CodeNotYourTurn    = "NOT_YOUR_TURN"
	CodeNotHost        = "NOT_HOST"
	CodeRoomFull       = "ROOM_FULL"
	CodeExpired        = "EXPIRED"
	CodeInternal       = "INTERNAL"
)

// WebSocket close codes in use.
const (
	CloseNormal       = 1000
	CloseBadToken     = 4001
	CloseRoomFull     = 4003
	CloseRoomNotFound = 4004
)

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var validate = validator.New()

// registry maps a command type tag to a factory for its payload schema.
// Commands with no payload map to nil.
var registry = map[string]func() any{
	CmdRoomJoin:      nil,
	CmdRoomLeave:     nil,
	CmdGameStart:     nil,
	CmdGameRematch:   nil,
	CmdDiceRoll:      func() any { return &DiceRollPayload{} },
	CmdDiceKeep:      func() any { return &DiceKeepPayload{} },
	CmdCategoryScore: func() any { return &CategoryScorePayload{} },

	CmdChat:        func() any { return &ChatPayload{} },
	CmdQuickChat:   func() any { return &QuickChatPayload{} },
	CmdReaction:    func() any { return &ReactionPayload{} },
	CmdTypingStart: nil,
	CmdTypingStop:  nil,

	CmdCreateRoom:        func() any { return &CreateRoomPayload{} },
	CmdListRooms:         nil,
	CmdOnlineUsers:       nil,
	CmdInvite:            func() any { return &InvitePayload{} },
	CmdInviteResponse:    func() any { return &InviteResponsePayload{} },
	CmdRequestJoin:       func() any { return &RequestJoinPayload{} },
	CmdCancelJoinRequest: nil,
	CmdApproveJoin:       func() any { return &JoinDecisionPayload{} },
	CmdDeclineJoin:       func() any { return &JoinDecisionPayload{} },

	CmdSpectatorPredict: func() any { return &SpectatorPredictPayload{} },
	CmdSpectatorRoot:    func() any { return &SpectatorRootPayload{} },
	CmdQueueJoin:        nil,
	CmdQueueLeave:       nil,
}

// DecodeError explains why a frame was rejected, with the error code the
// caller should surface.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

// Decode parses a raw inbound frame and returns its envelope together with
// the validated payload struct (nil for payload-less commands). Frames whose
// type is unknown or whose payload fails structural validation are rejected
// with a *DecodeError; they are never silently dropped.
func Decode(data []byte) (*Message, any, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, &DecodeError{Code: CodeInvalidPayload, Message: "frame is not a valid JSON envelope"}
	}
	if msg.Type == "" {
		return nil, nil, &DecodeError{Code: CodeInvalidPayload, Message: "frame has no type tag"}
	}

	factory, ok := registry[msg.Type]
	if !ok {
		return nil, nil, &DecodeError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown command type %q", msg.Type)}
	}
	if factory == nil {
		return &msg, nil, nil
	}

	payload := factory()
	if len(msg.Payload) == 0 {
		return nil, nil, &DecodeError{Code: CodeInvalidPayload, Message: fmt.Sprintf("command %q requires a payload", msg.Type)}
	}
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, nil, &DecodeError{Code: CodeInvalidPayload, Message: fmt.Sprintf("malformed payload for %q", msg.Type)}
	}
	if err := validate.Struct(payload); err != nil {
		return nil, nil, &DecodeError{Code: CodeInvalidPayload, Message: fmt.Sprintf("invalid payload for %q: %v", msg.Type, err)}
	}

	return &msg, payload, nil
}

// Encode wraps an event payload in the envelope and marshals it.
func Encode(eventType string, payload any) ([]byte, error) {
	now := time.Now().UTC()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q payload: %w", eventType, err)
	}
	return json.Marshal(Message{Type: eventType, Payload: raw, Timestamp: &now})
}

// MustEncode is Encode for payloads the server constructed itself; a marshal
// failure there is a programming error.
func MustEncode(eventType string, payload any) []byte {
	data, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
