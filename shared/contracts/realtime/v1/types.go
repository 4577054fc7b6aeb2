package v1

// ---- Handshake ----

// HelloPayload is sent by the client right after the websocket is established.
type HelloPayload struct {
	UserID string `json:"userId"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Outbound ----

// JoinUserRoomPayload subscribes the connection to user-targeted events.
type JoinUserRoomPayload struct {
	UserID string `json:"userId"`
}

// RoomPayload is used by joinRoom and leaveRoom.
type RoomPayload struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

// SendMessagePayload requests delivery of a chat message.
// ClientMsgID is a client-generated correlation id echoed back in messageSent.
type SendMessagePayload struct {
	Room            string `json:"room"`
	Recipient       string `json:"recipient"`
	Message         string `json:"message"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ClientMsgID     string `json:"clientMsgId,omitempty"`
}

// TypingPayload is used by typing and stopTyping.
type TypingPayload struct {
	Room      string `json:"room"`
	Recipient string `json:"recipient"`
	UserID    string `json:"userId"`
}

// CallInvitationPayload is the explicit call invitation, in both directions.
// Timestamp is unix milliseconds.
type CallInvitationPayload struct {
	Room        string `json:"room"`
	RecipientID string `json:"recipientId"`
	CallerID    string `json:"callerId"`
	CallerName  string `json:"callerName"`
	CallURL     string `json:"callUrl"`
	CallType    string `json:"callType"`
	Timestamp   int64  `json:"timestamp"`
}

// ---- Inbound ----

// MessageSentPayload acknowledges a sendMessage with the server-assigned id.
type MessageSentPayload struct {
	ID              string `json:"id"`
	Room            string `json:"room,omitempty"`
	ClientMsgID     string `json:"clientMsgId,omitempty"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
}

// MessageNotificationPayload announces a message in a room the client may not have open.
// Sender is loosely shaped on the wire and decoded by the chat ingress normalizer.
type MessageNotificationPayload struct {
	Room   string `json:"room"`
	Sender any    `json:"sender"`
}

// UserTypingPayload announces the counterpart is typing.
type UserTypingPayload struct {
	Room     string `json:"room,omitempty"`
	UserName string `json:"userName"`
}

// UserStoppedTypingPayload clears the typing indicator.
type UserStoppedTypingPayload struct {
	Room string `json:"room,omitempty"`
}
