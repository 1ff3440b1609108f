package realtime

import (
	"errors"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Client events.
const (
	EventUserConnected  = "user_connected"
	EventUpdateActivity = "update_activity"
	EventSendMessage    = "send_message"
)

// Server events.
const (
	EventUsersOnline      = "users_online"
	EventActivities       = "activities"
	EventActivityUpdated  = "activity_updated"
	EventUserDisconnected = "user_disconnected"
	EventReceiveMessage   = "receive_message"
	EventMessageSent      = "message_sent"
	EventError            = "error"
)

const defaultActivity = "Idle"

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Activity is the payload of activity_updated.
type Activity struct {
	UserID   string `json:"userId"`
	Activity string `json:"activity"`
}

// Message is a direct message relayed between two online users.
type Message struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

func (h *Hub) handle(c *client, raw []byte) {
	if !gjson.ValidBytes(raw) {
		c.reply(EventError, "invalid message")
		return
	}
	env := gjson.ParseBytes(raw)
	data := env.Get("data")

	switch event := env.Get("event").String(); event {
	case EventUserConnected:
		h.announce(c, data.Get("userId").String())
	case EventUpdateActivity:
		h.updateActivity(c, data.Get("activity").String())
	case EventSendMessage:
		h.relay(c, data.Get("receiverId").String(), data.Get("content").String())
	default:
		h.log.Debug("ws_unknown_event", zap.String("event", event))
	}
}

func (h *Hub) announce(c *client, claimed string) {
	userID := claimed
	if c.verifiedID != "" {
		userID = c.verifiedID
	}
	if userID == "" {
		c.reply(EventError, "userId is required")
		return
	}

	h.mu.Lock()
	released := c.userID
	if released != "" && released != userID && h.users[released] == c {
		delete(h.users, released)
		delete(h.activities, released)
	} else {
		released = ""
	}
	if prev, ok := h.users[userID]; ok && prev != c {
		prev.userID = ""
	}
	c.userID = userID
	h.users[userID] = c
	h.activities[userID] = defaultActivity
	online := h.onlineLocked()
	activities := h.activitiesLocked()
	h.mu.Unlock()

	if released != "" {
		h.log.Info("user_disconnected", zap.String("user_id", released))
		_ = h.broadcast(nil, EventUserDisconnected, released)
	}
	h.log.Info("user_connected", zap.String("user_id", userID))
	_ = h.broadcast(c, EventUserConnected, userID)
	c.reply(EventUsersOnline, online)
	_ = h.Broadcast(EventActivities, activities)
}

func (h *Hub) updateActivity(c *client, activity string) {
	h.mu.Lock()
	userID := c.userID
	if userID == "" {
		h.mu.Unlock()
		c.reply(EventError, "announce user_connected first")
		return
	}
	h.activities[userID] = activity
	h.mu.Unlock()

	_ = h.Broadcast(EventActivityUpdated, Activity{UserID: userID, Activity: activity})
}

func (h *Hub) relay(c *client, receiverID, content string) {
	h.mu.RLock()
	senderID := c.userID
	h.mu.RUnlock()
	if senderID == "" {
		c.reply(EventError, "announce user_connected first")
		return
	}
	if receiverID == "" || content == "" {
		c.reply(EventError, "receiverId and content are required")
		return
	}

	msg := Message{SenderID: senderID, ReceiverID: receiverID, Content: content}
	if err := h.Emit(receiverID, EventReceiveMessage, msg); err != nil && !errors.Is(err, ErrUserOffline) {
		h.log.Warn("message_relay_failed", zap.Error(err))
	}
	c.reply(EventMessageSent, msg)
}

func (c *client) reply(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		return
	}
	if !c.trySend(msg) {
		go c.close()
	}
}
