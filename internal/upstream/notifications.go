package upstream

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Notification describes a connection transition worth surfacing.
type Notification struct {
	Level      zapcore.Level   `json:"level"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	ServerName string          `json:"server_name,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	State      ConnectionState `json:"state"`
	Timestamp  time.Time       `json:"timestamp"`
}

type NotificationHandler interface {
	SendNotification(n *Notification)
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(n *Notification)

func (f NotificationHandlerFunc) SendNotification(n *Notification) { f(n) }

// notifier delivers to every handler synchronously; handlers must not block.
type notifier struct {
	mu       sync.RWMutex
	handlers []NotificationHandler
}

func (nt *notifier) add(h NotificationHandler) {
	nt.mu.Lock()
	nt.handlers = append(nt.handlers, h)
	nt.mu.Unlock()
}

func (nt *notifier) send(n *Notification) {
	nt.mu.RLock()
	handlers := nt.handlers
	nt.mu.RUnlock()
	for _, h := range handlers {
		h.SendNotification(n)
	}
}

// onStateChange maps a transition to a notification. Connecting and
// error-to-disconnected transitions are not reported.
func (nt *notifier) onStateChange(info ConnectionInfo, from, to ConnectionState) {
	n := &Notification{
		ServerName: info.ServerName,
		UserID:     info.UserID,
		State:      to,
		Timestamp:  time.Now(),
	}
	switch {
	case to == StateConnected:
		n.Level, n.Title = zapcore.InfoLevel, "Server Connected"
		n.Message = "connected to " + info.ServerName
	case to == StateError:
		n.Level, n.Title = zapcore.ErrorLevel, "Server Error"
		n.Message = info.ServerName + ": " + info.LastError
	case to == StateDisconnected && from == StateConnected:
		n.Level, n.Title = zapcore.WarnLevel, "Server Disconnected"
		n.Message = "disconnected from " + info.ServerName
	default:
		return
	}
	nt.send(n)
}
