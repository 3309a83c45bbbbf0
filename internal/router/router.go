// Package router classifies inbound client events and drives their delivery:
// point-to-point to a named user, fan-out to an explicit participant list, or
// broadcast to a whole channel minus the sender. It also orchestrates the
// connect and disconnect paths that tie the registry, rooms, typing, and
// presence together.
package router

import (
	"context"
	"log"
	"time"

	"github.com/pulsechat/realtime/internal/metrics"
	"github.com/pulsechat/realtime/internal/presence"
	"github.com/pulsechat/realtime/internal/protocol"
	"github.com/pulsechat/realtime/internal/ratelimit"
	"github.com/pulsechat/realtime/internal/registry"
	"github.com/pulsechat/realtime/internal/room"
	"github.com/pulsechat/realtime/internal/typing"
)

// Routing outcomes, also used as metric labels.
const (
	OutcomeDelivered = "delivered"
	OutcomePartial   = "partial"
	OutcomeDropped   = "dropped"
)

// Result summarizes one routing decision: how many recipients received the
// event, how many writes failed, and how many addressed recipients had no
// live connection on this instance.
type Result struct {
	Outcome string
	Sent    int
	Failed  int
	Missed  int
}

// finish derives the outcome from the counters.
func (r Result) finish() Result {
	switch {
	case r.Failed > 0:
		r.Outcome = OutcomePartial
	case r.Sent > 0:
		r.Outcome = OutcomeDelivered
	default:
		r.Outcome = OutcomeDropped
	}
	return r
}

// ChatParticipants answers authoritative chat membership queries. Used to
// re-validate client-supplied participant lists when a backing store is
// configured.
type ChatParticipants interface {
	ListFor(ctx context.Context, chatID string) ([]string, error)
}

// Bridge mirrors events to sibling instances. All methods are fire-and-forget;
// the bridge handles its own connectivity.
type Bridge interface {
	// MirrorBroadcast replays a channel broadcast on every other instance.
	MirrorBroadcast(channel string, event []byte, excludeUserID string)

	// ForwardDirect asks other instances to attempt a point-to-point
	// delivery for a user not connected here.
	ForwardDirect(channel, userID string, event []byte)

	// NotifyPushFallback requests an out-of-band push notification for a
	// recipient nobody could reach.
	NotifyPushFallback(userID string, event []byte)
}

// Config holds the router's channel names and timeouts.
type Config struct {
	NotificationsChannel string
	PostsChannel         string
	SignalingChannel     string

	// WriteTimeout bounds each outbound frame write so one stuck client
	// cannot stall a fan-out.
	WriteTimeout time.Duration

	// LookupTimeout bounds participant re-validation queries.
	LookupTimeout time.Duration

	// TypingWindow is the typing auto-expiry window.
	TypingWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		NotificationsChannel: "notifications",
		PostsChannel:         "posts",
		SignalingChannel:     "signaling",
		WriteTimeout:         10 * time.Second,
		LookupTimeout:        2 * time.Second,
		TypingWindow:         typing.DefaultWindow,
	}
}

// Router owns event classification and delivery. It builds its own room,
// typing, and presence components so their callbacks close over the router's
// delivery primitives.
type Router struct {
	cfg          Config
	reg          *registry.Registry
	rooms        *room.Rooms
	typing       *typing.Tracker
	presence     *presence.Tracker
	participants ChatParticipants   // nil: trust client-supplied lists
	limiter      *ratelimit.Limiter // nil: no event throttling
	bridge       Bridge             // nil: single-instance deployment
}

// New wires a Router over the given registry. store, participants, and
// limiter may each be nil.
func New(cfg Config, reg *registry.Registry, store *presence.Store, participants ChatParticipants, limiter *ratelimit.Limiter) *Router {
	rt := &Router{
		cfg:          cfg,
		reg:          reg,
		participants: participants,
		limiter:      limiter,
	}

	// Call rooms live on the signaling endpoint; member events go there.
	rt.rooms = room.NewRooms(func(userID string, event []byte) bool {
		return rt.sendOne(rt.cfg.SignalingChannel, userID, event) == sendOK
	})
	rt.typing = typing.NewTracker(cfg.TypingWindow, rt.notifyTyping)
	rt.presence = presence.NewTracker(func(channel string, event []byte, excludeUserID string) int {
		return rt.BroadcastChannel(channel, event, excludeUserID).Sent
	}, store, cfg.NotificationsChannel, cfg.PostsChannel)

	return rt
}

// SetBridge attaches the cross-instance bridge. Called after construction
// because the bridge itself needs the router to apply inbound events.
func (rt *Router) SetBridge(b Bridge) {
	rt.bridge = b
}

// Rooms exposes the call room table (for the health endpoint and tests).
func (rt *Router) Rooms() *room.Rooms { return rt.rooms }

// Typing exposes the typing tracker.
func (rt *Router) Typing() *typing.Tracker { return rt.typing }

// Presence exposes the presence tracker.
func (rt *Router) Presence() *presence.Tracker { return rt.presence }

// ---------------------------------------------------------------------------
// Connect / disconnect orchestration
// ---------------------------------------------------------------------------

// HandleConnect runs the post-registration path for a new connection: call
// room membership, presence announcement, and the handshake acknowledgement
// carrying the online-users snapshot.
func (rt *Router) HandleConnect(c *registry.Connection, cameOnline bool) {
	if c.ContextID != "" {
		rt.rooms.Join(c.ContextID, c.UserID)
	}
	if cameOnline {
		rt.presence.HandleOnline(c.UserID)
	}

	ack, err := protocol.NewServerEvent(protocol.TypeConnected, protocol.ConnectedMsg{
		UserID:      c.UserID,
		Endpoint:    c.Channel,
		OnlineUsers: rt.reg.AllOnlineUserIDs(),
		Timestamp:   protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("router: failed to build connected ack: %v", err)
		return
	}
	_ = rt.deliver(c, ack)

	metrics.OnlineUsers.Set(float64(len(rt.reg.AllOnlineUserIDs())))
}

// HandleDisconnect runs the cleanup path after a connection has already been
// removed from the registry. Room membership is dropped when the signaling
// connection goes away or the user fully disconnects; typing and presence
// clean up only on full disconnect.
func (rt *Router) HandleDisconnect(c *registry.Connection, wentOffline bool) {
	if c.Channel == rt.cfg.SignalingChannel || wentOffline {
		rt.rooms.LeaveAll(c.UserID)
	}
	if wentOffline {
		rt.typing.StopAll(c.UserID)
		rt.presence.HandleOffline(c.UserID)
	}

	metrics.OnlineUsers.Set(float64(len(rt.reg.AllOnlineUserIDs())))
	metrics.ActiveRooms.Set(float64(rt.rooms.Count()))
	metrics.TypingActive.Set(float64(rt.typing.ActiveCount()))
}

// ---------------------------------------------------------------------------
// Event routing
// ---------------------------------------------------------------------------

// Route classifies and delivers one inbound event from c. Malformed payloads
// are answered with an error event to the sender only; unknown types are
// logged and dropped without a reply.
func (rt *Router) Route(c *registry.Connection, data []byte) Result {
	start := time.Now()
	c.LastActivity = start

	msgType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		if msgType != "" && !protocol.IsKnownClientType(msgType) {
			log.Printf("router: dropping unknown event type=%q user=%s", msgType, c.UserID)
			return rt.record(msgType, start, Result{}.finish())
		}
		rt.sendError(c, "parse_error", "invalid event format")
		return rt.record("malformed", start, Result{}.finish())
	}

	if rt.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		allowed, _ := rt.limiter.Allow(ctx, c.SessionID, ratelimit.RuleEvent)
		cancel()
		if !allowed {
			rt.sendError(c, "rate_limited", "too many events")
			return rt.record(msgType, start, Result{}.finish())
		}
	}

	var res Result
	switch m := msg.(type) {
	case protocol.JoinCallMsg:
		rt.rooms.Join(m.ChatID, c.UserID)
		res = Result{Outcome: OutcomeDelivered}
	case protocol.LeaveCallMsg:
		rt.rooms.Leave(m.ChatID, c.UserID)
		res = Result{Outcome: OutcomeDelivered}
	case protocol.WebRTCOfferMsg:
		res = rt.forwardSignal(c, m.To, protocol.WebRTCOfferForward{
			Type: protocol.TypeWebRTCOffer, Offer: m.Offer, From: c.UserID, ChatID: m.ChatID,
		})
	case protocol.WebRTCAnswerMsg:
		res = rt.forwardSignal(c, m.To, protocol.WebRTCAnswerForward{
			Type: protocol.TypeWebRTCAnswer, Answer: m.Answer, From: c.UserID, ChatID: m.ChatID,
		})
	case protocol.WebRTCICECandidateMsg:
		res = rt.forwardSignal(c, m.To, protocol.WebRTCICECandidateForward{
			Type: protocol.TypeWebRTCICECandidate, Candidate: m.Candidate, From: c.UserID, ChatID: m.ChatID,
		})
	case protocol.ScreenSharingMsg:
		res = rt.forwardSignal(c, m.To, protocol.ScreenSharingForward{
			Type: protocol.TypeScreenSharing, Enabled: m.Enabled, From: c.UserID, ChatID: m.ChatID,
		})
	case protocol.CallAcceptedMsg:
		res = rt.handleCallAccepted(c, m)
	case protocol.CallRejectedMsg:
		res = rt.handleCallRejected(c, m)
	case protocol.CallEndedMsg:
		res = rt.handleCallEnded(c, m)
	case protocol.NewMessageMsg:
		res = rt.handleNewMessage(c, m)
	case protocol.MessageUpdatedMsg:
		res = rt.fanToParticipants(c, m.ChatID, m.Participants, protocol.TypeMessageUpdated, protocol.MessageUpdatedOutMsg{
			ChatID: m.ChatID, MessageID: m.MessageID, Message: m.Message,
			SenderID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.MessageDeletedMsg:
		res = rt.fanToParticipants(c, m.ChatID, m.Participants, protocol.TypeMessageDeleted, protocol.MessageDeletedOutMsg{
			ChatID: m.ChatID, MessageID: m.MessageID,
			SenderID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.MessageDeliveredMsg:
		res = rt.sendReceipt(m.SenderID, protocol.TypeMessageDelivered, protocol.MessageDeliveredOutMsg{
			MessageID: m.MessageID, ChatID: m.ChatID,
			DeliveredBy: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.MessageReadMsg:
		res = rt.sendReceipt(m.SenderID, protocol.TypeMessageRead, protocol.MessageReadOutMsg{
			MessageID: m.MessageID, ChatID: m.ChatID,
			ReadBy: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.NewPostMsg:
		res = rt.broadcastPosts(c, protocol.TypeNewPost, protocol.NewPostOutMsg{
			Post: m.Post, SenderID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.PostUpdatedMsg:
		res = rt.broadcastPosts(c, protocol.TypePostUpdated, protocol.PostUpdatedOutMsg{
			PostID: m.PostID, Post: m.Post, SenderID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.PostDeletedMsg:
		res = rt.broadcastPosts(c, protocol.TypePostDeleted, protocol.PostDeletedOutMsg{
			PostID: m.PostID, SenderID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.PostLikedMsg:
		res = rt.broadcastPosts(c, protocol.TypePostLiked, protocol.PostLikedOutMsg{
			PostID: m.PostID, UserID: c.UserID, NewLikeCount: m.NewLikeCount, Timestamp: protocol.Timestamp(),
		})
	case protocol.PostUnlikedMsg:
		res = rt.broadcastPosts(c, protocol.TypePostUnliked, protocol.PostUnlikedOutMsg{
			PostID: m.PostID, UserID: c.UserID, NewLikeCount: m.NewLikeCount, Timestamp: protocol.Timestamp(),
		})
	case protocol.NewStatusMsg:
		res = rt.broadcastPosts(c, protocol.TypeNewStatus, protocol.NewStatusOutMsg{
			Status: m.Status, UserID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.StatusDeletedMsg:
		res = rt.broadcastPosts(c, protocol.TypeStatusDeleted, protocol.StatusDeletedOutMsg{
			StatusID: m.StatusID, UserID: c.UserID, Timestamp: protocol.Timestamp(),
		})
	case protocol.TypingStartMsg:
		rt.typing.Start(m.ChatID, c.UserID, rt.validateRecipients(m.ChatID, m.Participants))
		res = Result{Outcome: OutcomeDelivered}
	case protocol.TypingStopMsg:
		rt.typing.Stop(m.ChatID, c.UserID, rt.validateRecipients(m.ChatID, m.Participants))
		res = Result{Outcome: OutcomeDelivered}
	case protocol.UpdateLastSeenMsg:
		res = rt.handleUpdateLastSeen(c, m)
	case protocol.UpdateStatusMsg:
		n := rt.presence.StatusUpdate(c.UserID, m.Status, m.CustomMessage)
		res = Result{Sent: n}.finish()
	case protocol.PingMsg:
		res = rt.handlePing(c)
	default:
		log.Printf("router: no handler for event type=%q", msgType)
		res = Result{}.finish()
	}

	metrics.ActiveRooms.Set(float64(rt.rooms.Count()))
	metrics.TypingActive.Set(float64(rt.typing.ActiveCount()))
	return rt.record(msgType, start, res)
}

func (rt *Router) record(msgType string, start time.Time, res Result) Result {
	metrics.EventsRouted.WithLabelValues(msgType, res.Outcome).Inc()
	metrics.RouteDuration.Observe(time.Since(start).Seconds())
	return res
}

// ---------------------------------------------------------------------------
// Per-type handlers
// ---------------------------------------------------------------------------

// forwardSignal relays a WebRTC signaling payload point-to-point on the
// signaling channel.
func (rt *Router) forwardSignal(c *registry.Connection, to string, payload interface{}) Result {
	if to == "" {
		rt.sendError(c, "missing_target", "signaling events require a \"to\" field")
		return Result{}.finish()
	}
	event, err := protocol.NewServerEvent(typeOf(payload), payload)
	if err != nil {
		log.Printf("router: failed to build signaling event: %v", err)
		return Result{}.finish()
	}

	var res Result
	switch rt.sendOne(rt.cfg.SignalingChannel, to, event) {
	case sendOK:
		res.Sent++
	case sendFailed:
		res.Failed++
	case sendAbsent:
		res.Missed++
	}
	return res.finish()
}

// handleCallAccepted notifies the caller, echoes a confirmation back to the
// answerer so it can start WebRTC setup, and tells the rest of the room.
func (rt *Router) handleCallAccepted(c *registry.Connection, m protocol.CallAcceptedMsg) Result {
	from := m.From
	if from == "" {
		from = c.UserID
	}

	var res Result
	accepted, err := protocol.NewServerEvent(protocol.TypeCallAccepted, protocol.CallAcceptedOutMsg{
		From: from, ChatID: m.ChatID, Timestamp: protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("router: failed to build call-accepted event: %v", err)
		return res.finish()
	}

	if m.To != "" {
		switch rt.sendOne(rt.cfg.SignalingChannel, m.To, accepted) {
		case sendOK:
			res.Sent++
		case sendFailed:
			res.Failed++
		case sendAbsent:
			res.Missed++
		}
	}

	confirmed, err := protocol.NewServerEvent(protocol.TypeCallAcceptedConfirmed, protocol.CallAcceptedConfirmedMsg{
		From: from, To: m.To, ChatID: m.ChatID, Timestamp: protocol.Timestamp(),
	})
	if err == nil {
		if rt.deliver(c, confirmed) == nil {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	res.Sent += rt.rooms.Broadcast(m.ChatID, c.UserID, accepted)
	return res.finish()
}

func (rt *Router) handleCallRejected(c *registry.Connection, m protocol.CallRejectedMsg) Result {
	event, err := protocol.NewServerEvent(protocol.TypeCallRejected, protocol.CallRejectedOutMsg{
		From: c.UserID, ChatID: m.ChatID, Reason: m.Reason, Timestamp: protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("router: failed to build call-rejected event: %v", err)
		return Result{}.finish()
	}

	var res Result
	if m.To != "" {
		switch rt.sendOne(rt.cfg.SignalingChannel, m.To, event) {
		case sendOK:
			res.Sent++
		case sendFailed:
			res.Failed++
		case sendAbsent:
			res.Missed++
		}
	}
	res.Sent += rt.rooms.Broadcast(m.ChatID, c.UserID, event)
	return res.finish()
}

// handleCallEnded tells the remote party on the notifications channel (they
// may have left the signaling endpoint already), tells the rest of the room,
// and removes the sender from it.
func (rt *Router) handleCallEnded(c *registry.Connection, m protocol.CallEndedMsg) Result {
	event, err := protocol.NewServerEvent(protocol.TypeCallEnded, protocol.CallEndedOutMsg{
		UserID: c.UserID, ChatID: m.ChatID, Reason: m.Reason, Timestamp: protocol.Timestamp(),
	})
	if err != nil {
		log.Printf("router: failed to build call-ended event: %v", err)
		return Result{}.finish()
	}

	var res Result
	if m.RemoteUserID != "" {
		switch rt.sendOne(rt.cfg.NotificationsChannel, m.RemoteUserID, event) {
		case sendOK:
			res.Sent++
		case sendFailed:
			res.Failed++
		case sendAbsent:
			res.Missed++
		}
	}
	res.Sent += rt.rooms.Broadcast(m.ChatID, c.UserID, event)
	rt.rooms.Leave(m.ChatID, c.UserID)
	return res.finish()
}

// handleNewMessage fans the message to the other participants and clears any
// typing entry the sender held for the chat: a sent message implies the
// composer stopped typing, without a separate stop broadcast.
func (rt *Router) handleNewMessage(c *registry.Connection, m protocol.NewMessageMsg) Result {
	res := rt.fanToParticipants(c, m.ChatID, m.Participants, protocol.TypeNewMessage, protocol.NewMessageOutMsg{
		ChatID: m.ChatID, Message: m.Message,
		SenderID: c.UserID, Timestamp: protocol.Timestamp(),
	})
	rt.typing.Cancel(m.ChatID, c.UserID)
	return res
}

// fanToParticipants validates the participant list and fans the event to
// everyone but the sender on the notifications channel. Recipients absent on
// this instance are forwarded to the bridge and offered a push fallback.
func (rt *Router) fanToParticipants(c *registry.Connection, chatID string, claimed []string, msgType string, payload interface{}) Result {
	event, err := protocol.NewServerEvent(msgType, payload)
	if err != nil {
		log.Printf("router: failed to build %s event: %v", msgType, err)
		return Result{}.finish()
	}

	var res Result
	for _, userID := range rt.validateRecipients(chatID, claimed) {
		if userID == c.UserID {
			continue
		}
		switch rt.sendOne(rt.cfg.NotificationsChannel, userID, event) {
		case sendOK:
			res.Sent++
		case sendFailed:
			res.Failed++
		case sendAbsent:
			res.Missed++
			if rt.bridge != nil && msgType == protocol.TypeNewMessage {
				rt.bridge.NotifyPushFallback(userID, event)
			}
		}
	}
	return res.finish()
}

// sendReceipt relays a delivery or read receipt point-to-point to the
// original message sender on the notifications channel.
func (rt *Router) sendReceipt(senderID, msgType string, payload interface{}) Result {
	if senderID == "" {
		return Result{}.finish()
	}
	event, err := protocol.NewServerEvent(msgType, payload)
	if err != nil {
		log.Printf("router: failed to build %s event: %v", msgType, err)
		return Result{}.finish()
	}

	var res Result
	switch rt.sendOne(rt.cfg.NotificationsChannel, senderID, event) {
	case sendOK:
		res.Sent++
	case sendFailed:
		res.Failed++
	case sendAbsent:
		res.Missed++
	}
	return res.finish()
}

// broadcastPosts fans a feed event to every posts-channel connection except
// the sender's.
func (rt *Router) broadcastPosts(c *registry.Connection, msgType string, payload interface{}) Result {
	event, err := protocol.NewServerEvent(msgType, payload)
	if err != nil {
		log.Printf("router: failed to build %s event: %v", msgType, err)
		return Result{}.finish()
	}
	return rt.BroadcastChannel(rt.cfg.PostsChannel, event, c.UserID)
}

func (rt *Router) handleUpdateLastSeen(c *registry.Connection, m protocol.UpdateLastSeenMsg) Result {
	rt.presence.TouchLastSeen(c.UserID)
	return rt.fanToParticipants(c, m.ChatID, m.Participants, protocol.TypeUserLastSeen, protocol.UserLastSeenMsg{
		UserID: c.UserID, ChatID: m.ChatID, Timestamp: protocol.Timestamp(),
	})
}

func (rt *Router) handlePing(c *registry.Connection) Result {
	pong, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return Result{}.finish()
	}
	if rt.deliver(c, pong) != nil {
		return Result{Failed: 1}.finish()
	}
	return Result{Sent: 1}.finish()
}

// notifyTyping is the typing tracker's broadcast callback. It fans the
// indicator to the captured recipients minus the typist.
func (rt *Router) notifyTyping(contextID, userID string, recipients []string, isTyping bool) {
	event, err := protocol.NewServerEvent(protocol.TypeTyping, protocol.TypingEventMsg{
		UserID: userID, ChatID: contextID, IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("router: failed to build typing event: %v", err)
		return
	}
	for _, r := range recipients {
		if r == userID {
			continue
		}
		rt.sendOne(rt.cfg.NotificationsChannel, r, event)
	}
}

// validateRecipients intersects a client-supplied participant list with
// authoritative chat membership when a participants store is configured.
// Without a store the claimed list is trusted as-is. Lookup failures fall
// back to the claimed list rather than dropping the event.
func (rt *Router) validateRecipients(chatID string, claimed []string) []string {
	if rt.participants == nil || chatID == "" {
		return claimed
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.LookupTimeout)
	defer cancel()
	actual, err := rt.participants.ListFor(ctx, chatID)
	if err != nil {
		log.Printf("router: participant lookup failed chat=%s: %v (trusting claimed list)", chatID, err)
		return claimed
	}
	if len(claimed) == 0 {
		return actual
	}

	allowed := make(map[string]struct{}, len(actual))
	for _, userID := range actual {
		allowed[userID] = struct{}{}
	}
	out := claimed[:0:0]
	for _, userID := range claimed {
		if _, ok := allowed[userID]; ok {
			out = append(out, userID)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Delivery primitives
// ---------------------------------------------------------------------------

type sendStatus int

const (
	sendOK sendStatus = iota
	sendFailed
	sendAbsent
)

// sendOne attempts a point-to-point delivery to (channel, userID) on this
// instance. An absent recipient is handed to the bridge for delivery on a
// sibling instance.
func (rt *Router) sendOne(channel, userID string, event []byte) sendStatus {
	c := rt.reg.Get(channel, userID)
	if c == nil {
		if rt.bridge != nil {
			rt.bridge.ForwardDirect(channel, userID, event)
		}
		return sendAbsent
	}
	if rt.deliver(c, event) != nil {
		return sendFailed
	}
	return sendOK
}

// SendToUser delivers an event to one user on a channel, on this instance
// only, reporting whether the delivery succeeded. Used by the bridge's
// inbound path, which must never forward back out.
func (rt *Router) SendToUser(channel, userID string, event []byte) bool {
	c := rt.reg.Get(channel, userID)
	if c == nil {
		return false
	}
	return rt.deliver(c, event) == nil
}

// BroadcastChannelLocal delivers an event to every connection on a channel
// except excludeUserID, on this instance only.
func (rt *Router) BroadcastChannelLocal(channel string, event []byte, excludeUserID string) Result {
	var res Result
	for _, c := range rt.reg.ChannelConns(channel) {
		if c.UserID == excludeUserID {
			continue
		}
		if rt.deliver(c, event) != nil {
			res.Failed++
		} else {
			res.Sent++
		}
	}
	return res.finish()
}

// BroadcastChannel delivers an event to every connection on a channel except
// excludeUserID, mirroring the broadcast to sibling instances.
func (rt *Router) BroadcastChannel(channel string, event []byte, excludeUserID string) Result {
	res := rt.BroadcastChannelLocal(channel, event, excludeUserID)
	if rt.bridge != nil {
		rt.bridge.MirrorBroadcast(channel, event, excludeUserID)
	}
	return res
}

// deliver writes one frame to a connection under the configured write
// deadline. One slow client must not hold up the rest of a fan-out.
func (rt *Router) deliver(c *registry.Connection, event []byte) error {
	if rt.cfg.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(rt.cfg.WriteTimeout))
	}
	err := c.WriteEvent(event)
	if rt.cfg.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		metrics.DeliveryFailures.Inc()
		log.Printf("router: delivery failed user=%s channel=%s: %v", c.UserID, c.Channel, err)
	}
	return err
}

// sendError reports a request problem back to the originating connection
// only. Errors are never broadcast.
func (rt *Router) sendError(c *registry.Connection, code, message string) {
	event, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorMsg{
		Code: code, Message: message,
	})
	if err != nil {
		return
	}
	_ = rt.deliver(c, event)
}

// typeOf extracts the Type field the forward structs carry.
func typeOf(payload interface{}) string {
	switch p := payload.(type) {
	case protocol.WebRTCOfferForward:
		return p.Type
	case protocol.WebRTCAnswerForward:
		return p.Type
	case protocol.WebRTCICECandidateForward:
		return p.Type
	case protocol.ScreenSharingForward:
		return p.Type
	}
	return ""
}
