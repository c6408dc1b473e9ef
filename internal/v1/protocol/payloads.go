package protocol

// Command payload schemas. Struct tags drive the runtime validation applied
// by Decode; anything beyond structure (turn ownership, category state,
// capacity) is the owning actor's job.

// DiceRollPayload requests a roll with the sticky keep mask.
type DiceRollPayload struct {
	Kept []bool `json:"kept" validate:"len=5"`
}

// DiceKeepPayload sets the keep mask to exactly these dice positions.
type DiceKeepPayload struct {
	Indices []int `json:"indices" validate:"max=5,dive,gte=0,lte=4"`
}

// CategoryScorePayload finalises a category for the current turn.
type CategoryScorePayload struct {
	Category string `json:"category" validate:"required"`
}

// ChatPayload is a user chat message.
type ChatPayload struct {
	Content string `json:"content" validate:"required,min=1,max=500"`
}

// QuickChatPayload references a canned phrase by id.
type QuickChatPayload struct {
	PhraseID string `json:"phraseId" validate:"required,max=64"`
}

// ReactionPayload is an emoji reaction, optionally aimed at a player.
type ReactionPayload struct {
	Emoji    string `json:"emoji" validate:"required,max=16"`
	TargetID string `json:"targetId,omitempty" validate:"max=128"`
}

// CreateRoomPayload asks the lobby to mint a new room.
type CreateRoomPayload struct {
	Public             bool `json:"public"`
	AllowSpectators    bool `json:"allowSpectators"`
	MaxPlayers         int  `json:"maxPlayers" validate:"gte=2,lte=4"`
	TurnTimeoutSeconds int  `json:"turnTimeoutSeconds" validate:"gte=0,lte=300"`
}

// InvitePayload invites another online player into the sender's room.
type InvitePayload struct {
	InviteeID string `json:"inviteeId" validate:"required,max=128"`
	RoomCode  string `json:"roomCode" validate:"required"`
}

// InviteResponsePayload accepts or declines a received invite.
type InviteResponsePayload struct {
	InviteID string `json:"inviteId" validate:"required,max=64"`
	Accept   bool   `json:"accept"`
}

// RequestJoinPayload asks the host of a room for admission.
type RequestJoinPayload struct {
	RoomCode string `json:"roomCode" validate:"required"`
}

// JoinDecisionPayload is the host's approve/decline of a join request.
type JoinDecisionPayload struct {
	RequestID string `json:"requestId" validate:"required,max=64"`
}

// SpectatorPredictPayload is a spectator's guess at the category the current
// player will score.
type SpectatorPredictPayload struct {
	Category string `json:"category" validate:"required,max=32"`
}

// SpectatorRootPayload declares which player a spectator is rooting for.
type SpectatorRootPayload struct {
	PlayerID string `json:"playerId" validate:"required,max=128"`
}
