// Package protocol defines the WebSocket event types and structures exchanged
// between clients and the realtime server. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinCall           = "join-call"
	TypeLeaveCall          = "leave-call"
	TypeWebRTCOffer        = "webrtc-offer"
	TypeWebRTCAnswer       = "webrtc-answer"
	TypeWebRTCICECandidate = "webrtc-ice-candidate"
	TypeScreenSharing      = "screen-sharing"
	TypeCallAccepted       = "call-accepted"
	TypeCallRejected       = "call-rejected"
	TypeCallEnded          = "call-ended"
	TypeNewMessage         = "new-message"
	TypeMessageUpdated     = "message-updated"
	TypeMessageDeleted     = "message-deleted"
	TypeMessageDelivered   = "message-delivered"
	TypeMessageRead        = "message-read"
	TypeNewPost            = "new-post"
	TypePostUpdated        = "post-updated"
	TypePostDeleted        = "post-deleted"
	TypePostLiked          = "post-liked"
	TypePostUnliked        = "post-unliked"
	TypeNewStatus          = "new-status"
	TypeStatusDeleted      = "status-deleted"
	TypeTypingStart        = "typing-start"
	TypeTypingStop         = "typing-stop"
	TypeUpdateLastSeen     = "update-last-seen"
	TypeUpdateStatus       = "update-status"
	TypePing               = "ping"
)

// Server -> Client event types.
const (
	TypeConnected             = "connected"
	TypeUserOnline            = "user-online"
	TypeUserOffline           = "user-offline"
	TypeUserJoined            = "user-joined"
	TypeUserLeft              = "user-left"
	TypeTyping                = "typing"
	TypeUserLastSeen          = "user-last-seen"
	TypeUserStatusUpdated     = "user-status-updated"
	TypeCallAcceptedConfirmed = "call-accepted-confirmed"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Timestamp returns the current UTC time formatted the way every outbound
// event carries it.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinCallMsg adds the sender to the call room keyed by ChatID.
type JoinCallMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveCallMsg removes the sender from the call room keyed by ChatID.
type LeaveCallMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// WebRTCOfferMsg carries an SDP offer to be relayed verbatim to the To user.
type WebRTCOfferMsg struct {
	Type   string          `json:"type"`
	To     string          `json:"to"`
	ChatID string          `json:"chatId"`
	Offer  json.RawMessage `json:"offer"`
}

// WebRTCAnswerMsg carries an SDP answer to be relayed verbatim to the To user.
type WebRTCAnswerMsg struct {
	Type   string          `json:"type"`
	To     string          `json:"to"`
	ChatID string          `json:"chatId"`
	Answer json.RawMessage `json:"answer"`
}

// WebRTCICECandidateMsg carries an ICE candidate to be relayed to the To user.
type WebRTCICECandidateMsg struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	ChatID    string          `json:"chatId"`
	Candidate json.RawMessage `json:"candidate"`
}

// ScreenSharingMsg notifies the To user that the sender toggled screen sharing.
type ScreenSharingMsg struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	ChatID  string `json:"chatId"`
	Enabled bool   `json:"enabled"`
}

// CallAcceptedMsg is sent by the callee when answering a call. The caller is
// identified by To; From is optional and defaults to the sender.
type CallAcceptedMsg struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	From   string `json:"from,omitempty"`
	ChatID string `json:"chatId"`
}

// CallRejectedMsg is sent by the callee when declining a call.
type CallRejectedMsg struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

// CallEndedMsg is sent by either party to terminate an ongoing call.
type CallEndedMsg struct {
	Type         string `json:"type"`
	ChatID       string `json:"chatId"`
	RemoteUserID string `json:"remoteUserId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewMessageMsg announces a persisted chat message to the other participants.
// The participant list is supplied by the caller; the router may re-validate
// it against authoritative chat membership.
type NewMessageMsg struct {
	Type         string          `json:"type"`
	ChatID       string          `json:"chatId"`
	Message      json.RawMessage `json:"message"`
	Participants []string        `json:"participants"`
}

// MessageUpdatedMsg announces an edit of an existing chat message.
type MessageUpdatedMsg struct {
	Type         string          `json:"type"`
	ChatID       string          `json:"chatId"`
	MessageID    string          `json:"messageId"`
	Message      json.RawMessage `json:"message"`
	Participants []string        `json:"participants"`
}

// MessageDeletedMsg announces the deletion of a chat message.
type MessageDeletedMsg struct {
	Type         string   `json:"type"`
	ChatID       string   `json:"chatId"`
	MessageID    string   `json:"messageId"`
	Participants []string `json:"participants"`
}

// MessageDeliveredMsg is a delivery receipt addressed to the original sender.
type MessageDeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
}

// MessageReadMsg is a read receipt addressed to the original sender.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
}

// NewPostMsg announces a new feed post to everyone on the posts channel.
type NewPostMsg struct {
	Type string          `json:"type"`
	Post json.RawMessage `json:"post"`
}

// PostUpdatedMsg announces an edit of a feed post.
type PostUpdatedMsg struct {
	Type   string          `json:"type"`
	PostID string          `json:"postId"`
	Post   json.RawMessage `json:"post"`
}

// PostDeletedMsg announces the deletion of a feed post.
type PostDeletedMsg struct {
	Type   string `json:"type"`
	PostID string `json:"postId"`
}

// PostLikedMsg announces a like on a feed post with the updated count.
type PostLikedMsg struct {
	Type         string `json:"type"`
	PostID       string `json:"postId"`
	NewLikeCount int    `json:"newLikeCount"`
}

// PostUnlikedMsg announces the removal of a like on a feed post.
type PostUnlikedMsg struct {
	Type         string `json:"type"`
	PostID       string `json:"postId"`
	NewLikeCount int    `json:"newLikeCount"`
}

// NewStatusMsg announces a new ephemeral status to the posts channel.
type NewStatusMsg struct {
	Type   string          `json:"type"`
	Status json.RawMessage `json:"status"`
}

// StatusDeletedMsg announces the deletion of an ephemeral status.
type StatusDeletedMsg struct {
	Type     string `json:"type"`
	StatusID string `json:"statusId"`
}

// TypingStartMsg signals that the sender started composing in a chat.
type TypingStartMsg struct {
	Type         string   `json:"type"`
	ChatID       string   `json:"chatId"`
	Participants []string `json:"participants"`
}

// TypingStopMsg signals that the sender stopped composing in a chat.
type TypingStopMsg struct {
	Type         string   `json:"type"`
	ChatID       string   `json:"chatId"`
	Participants []string `json:"participants"`
}

// UpdateLastSeenMsg refreshes the sender's last-seen marker for a chat.
type UpdateLastSeenMsg struct {
	Type         string   `json:"type"`
	ChatID       string   `json:"chatId"`
	Participants []string `json:"participants"`
}

// UpdateStatusMsg sets the sender's manual presence status.
type UpdateStatusMsg struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is the handshake acknowledgement sent once a connection has
// been registered, carrying a snapshot of the currently online users.
type ConnectedMsg struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId"`
	Endpoint    string   `json:"endpoint"`
	OnlineUsers []string `json:"onlineUsers"`
	Timestamp   string   `json:"timestamp"`
}

// UserOnlineMsg announces that a user gained their first live connection.
type UserOnlineMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// UserOfflineMsg announces that a user lost their last live connection.
type UserOfflineMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// UserJoinedMsg announces a new member to the rest of a call room.
type UserJoinedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// UserLeftMsg announces a departed member to the rest of a call room.
type UserLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

// TypingEventMsg relays a typing indicator to chat participants.
type TypingEventMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// UserLastSeenMsg relays a last-seen refresh to chat participants.
type UserLastSeenMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
}

// UserStatusUpdatedMsg announces a manual presence status change.
type UserStatusUpdatedMsg struct {
	Type          string `json:"type"`
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// CallAcceptedOutMsg notifies the caller that the callee answered.
type CallAcceptedOutMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	ChatID    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
}

// CallAcceptedConfirmedMsg echoes acceptance back to the answerer so it can
// proceed with WebRTC setup.
type CallAcceptedConfirmedMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	ChatID    string `json:"chatId"`
	Timestamp string `json:"timestamp"`
}

// CallRejectedOutMsg notifies the caller that the callee declined.
type CallRejectedOutMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	ChatID    string `json:"chatId"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CallEndedOutMsg notifies a call participant that the call was terminated.
type CallEndedOutMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// WebRTCOfferForward relays an SDP offer to its target, stamped with the
// real sender.
type WebRTCOfferForward struct {
	Type   string          `json:"type"`
	Offer  json.RawMessage `json:"offer"`
	From   string          `json:"from"`
	ChatID string          `json:"chatId"`
}

// WebRTCAnswerForward relays an SDP answer to its target.
type WebRTCAnswerForward struct {
	Type   string          `json:"type"`
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
	ChatID string          `json:"chatId"`
}

// WebRTCICECandidateForward relays an ICE candidate to its target.
type WebRTCICECandidateForward struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
	ChatID    string          `json:"chatId"`
}

// ScreenSharingForward relays a screen-sharing toggle to its target.
type ScreenSharingForward struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	From    string `json:"from"`
	ChatID  string `json:"chatId"`
}

// NewMessageOutMsg fans a persisted chat message out to the other
// participants.
type NewMessageOutMsg struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId"`
	Message   json.RawMessage `json:"message"`
	SenderID  string          `json:"senderId"`
	Timestamp string          `json:"timestamp"`
}

// MessageUpdatedOutMsg fans a message edit out to the other participants.
type MessageUpdatedOutMsg struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId"`
	MessageID string          `json:"messageId"`
	Message   json.RawMessage `json:"message"`
	SenderID  string          `json:"senderId"`
	Timestamp string          `json:"timestamp"`
}

// MessageDeletedOutMsg fans a message deletion out to the other participants.
type MessageDeletedOutMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Timestamp string `json:"timestamp"`
}

// MessageDeliveredOutMsg is the delivery receipt relayed to the original
// sender.
type MessageDeliveredOutMsg struct {
	Type        string `json:"type"`
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	DeliveredBy string `json:"deliveredBy"`
	Timestamp   string `json:"timestamp"`
}

// MessageReadOutMsg is the read receipt relayed to the original sender.
type MessageReadOutMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	ReadBy    string `json:"readBy"`
	Timestamp string `json:"timestamp"`
}

// NewPostOutMsg announces a new post on the posts channel.
type NewPostOutMsg struct {
	Type      string          `json:"type"`
	Post      json.RawMessage `json:"post"`
	SenderID  string          `json:"senderId"`
	Timestamp string          `json:"timestamp"`
}

// PostUpdatedOutMsg announces a post edit on the posts channel.
type PostUpdatedOutMsg struct {
	Type      string          `json:"type"`
	PostID    string          `json:"postId"`
	Post      json.RawMessage `json:"post"`
	SenderID  string          `json:"senderId"`
	Timestamp string          `json:"timestamp"`
}

// PostDeletedOutMsg announces a post deletion on the posts channel.
type PostDeletedOutMsg struct {
	Type      string `json:"type"`
	PostID    string `json:"postId"`
	SenderID  string `json:"senderId"`
	Timestamp string `json:"timestamp"`
}

// PostLikedOutMsg announces a like with the updated count.
type PostLikedOutMsg struct {
	Type         string `json:"type"`
	PostID       string `json:"postId"`
	UserID       string `json:"userId"`
	NewLikeCount int    `json:"newLikeCount"`
	Timestamp    string `json:"timestamp"`
}

// PostUnlikedOutMsg announces a removed like with the updated count.
type PostUnlikedOutMsg struct {
	Type         string `json:"type"`
	PostID       string `json:"postId"`
	UserID       string `json:"userId"`
	NewLikeCount int    `json:"newLikeCount"`
	Timestamp    string `json:"timestamp"`
}

// NewStatusOutMsg announces a new ephemeral status on the posts channel.
type NewStatusOutMsg struct {
	Type      string          `json:"type"`
	Status    json.RawMessage `json:"status"`
	UserID    string          `json:"userId"`
	Timestamp string          `json:"timestamp"`
}

// StatusDeletedOutMsg announces a deleted ephemeral status.
type StatusDeletedOutMsg struct {
	Type      string `json:"type"`
	StatusID  string `json:"statusId"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinCall:
		var m JoinCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveCall:
		var m LeaveCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCOffer:
		var m WebRTCOfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCAnswer:
		var m WebRTCAnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCICECandidate:
		var m WebRTCICECandidateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeScreenSharing:
		var m ScreenSharingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallAccepted:
		var m CallAcceptedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallRejected:
		var m CallRejectedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallEnded:
		var m CallEndedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageUpdated:
		var m MessageUpdatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDeleted:
		var m MessageDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDelivered:
		var m MessageDeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewPost:
		var m NewPostMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePostUpdated:
		var m PostUpdatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePostDeleted:
		var m PostDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePostLiked:
		var m PostLikedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePostUnliked:
		var m PostUnlikedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewStatus:
		var m NewStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStatusDeleted:
		var m StatusDeletedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateLastSeen:
		var m UpdateLastSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateStatus:
		var m UpdateStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// IsKnownClientType reports whether the given type string belongs to the
// client event catalog. The router uses it to distinguish an unknown type
// (logged and dropped) from a malformed payload (answered with an error).
func IsKnownClientType(t string) bool {
	switch t {
	case TypeJoinCall, TypeLeaveCall, TypeWebRTCOffer, TypeWebRTCAnswer,
		TypeWebRTCICECandidate, TypeScreenSharing, TypeCallAccepted,
		TypeCallRejected, TypeCallEnded, TypeNewMessage, TypeMessageUpdated,
		TypeMessageDeleted, TypeMessageDelivered, TypeMessageRead,
		TypeNewPost, TypePostUpdated, TypePostDeleted, TypePostLiked,
		TypePostUnliked, TypeNewStatus, TypeStatusDeleted, TypeTypingStart,
		TypeTypingStop, TypeUpdateLastSeen, TypeUpdateStatus, TypePing:
		return true
	}
	return false
}

// NewServerEvent creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerEvent(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
