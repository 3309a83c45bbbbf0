// Package bridge replicates events between server instances over NATS, so a
// user connected to one instance can reach a user connected to another. Each
// instance mirrors its channel broadcasts, forwards point-to-point deliveries
// for users it does not hold, and publishes push-notification requests for
// recipients nobody holds.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pulsechat/realtime/internal/metrics"
	"github.com/pulsechat/realtime/internal/router"
)

// NATS subject patterns.
const (
	SubjectBroadcast = "rt.broadcast" // + .<channel>
	SubjectDirect    = "rt.direct"    // + .<channel>.<userId>
	SubjectPush      = "rt.push"      // + .<userId>, consumed by the push worker
)

// envelope is the wire format for bridged events. Origin identifies the
// publishing instance so it can ignore its own messages.
type envelope struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "rtserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bridge is the NATS-backed instance bridge. It implements router.Bridge.
type Bridge struct {
	conn       *nats.Conn
	rt         *router.Router
	instanceID string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS, subscribes to the bridge subjects, and returns a ready
// Bridge. The caller attaches it to the router with SetBridge.
func Connect(config Config, rt *router.Router) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bridge] disconnected: %v", err)
			} else {
				log.Printf("[bridge] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bridge] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bridge] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: nats connect: %w", err)
	}

	b := &Bridge{
		conn:       nc,
		rt:         rt,
		instanceID: uuid.New().String(),
	}

	if err := b.subscribe(SubjectBroadcast+".*", b.handleBroadcast); err != nil {
		nc.Close()
		return nil, err
	}
	if err := b.subscribe(SubjectDirect+".>", b.handleDirect); err != nil {
		nc.Close()
		return nil, err
	}

	log.Printf("[bridge] connected to %s instance=%s", nc.ConnectedUrl(), b.instanceID)
	return b, nil
}

func (b *Bridge) subscribe(subject string, handler nats.MsgHandler) error {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("bridge: nats subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// MirrorBroadcast replays a channel broadcast on every other instance.
func (b *Bridge) MirrorBroadcast(channel string, event []byte, excludeUserID string) {
	b.publish(SubjectBroadcast+"."+channel, envelope{
		Origin:  b.instanceID,
		Channel: channel,
		Exclude: excludeUserID,
		Event:   event,
	})
}

// ForwardDirect asks other instances to attempt a point-to-point delivery
// for a user not connected here.
func (b *Bridge) ForwardDirect(channel, userID string, event []byte) {
	b.publish(SubjectDirect+"."+channel+"."+userID, envelope{
		Origin:  b.instanceID,
		Channel: channel,
		UserID:  userID,
		Event:   event,
	})
}

// NotifyPushFallback requests an out-of-band push notification for a
// recipient with no live connection on this instance. The push worker
// consuming rt.push.<userId> decides whether the user is reachable anywhere
// before notifying.
func (b *Bridge) NotifyPushFallback(userID string, event []byte) {
	b.publish(SubjectPush+"."+userID, envelope{
		Origin: b.instanceID,
		UserID: userID,
		Event:  event,
	})
}

func (b *Bridge) publish(subject string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[bridge] failed to marshal envelope for %s: %v", subject, err)
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		log.Printf("[bridge] publish %s: %v", subject, err)
		return
	}
	metrics.BridgeMessages.WithLabelValues("out").Inc()
}

// handleBroadcast applies a broadcast mirrored from another instance to the
// local connections only; re-mirroring it would loop.
func (b *Bridge) handleBroadcast(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[bridge] bad broadcast envelope on %s: %v", msg.Subject, err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	metrics.BridgeMessages.WithLabelValues("in").Inc()
	b.rt.BroadcastChannelLocal(env.Channel, env.Event, env.Exclude)
}

// handleDirect attempts a local delivery for a forwarded point-to-point
// event. Instances that do not hold the user simply drop it.
func (b *Bridge) handleDirect(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[bridge] bad direct envelope on %s: %v", msg.Subject, err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	metrics.BridgeMessages.WithLabelValues("in").Inc()
	b.rt.SendToUser(env.Channel, env.UserID, env.Event)
}

// Close drains all subscriptions and the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[bridge] drain: %v", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[bridge] connection drain: %v", err)
	}
	log.Printf("[bridge] closed")
}
