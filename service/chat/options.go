package chat

import "time"

// Options tune the per-connection resources of the chat server.
type Options struct {
	CookieName        string        // credential cookie, "login-token" by default
	SendQueueSize     int           // outbound frames buffered per session
	SendTimeout       time.Duration // max wait to enqueue onto a full session
	WriteWait         time.Duration // deadline for one websocket write
	PongWait          time.Duration // read deadline, renewed by every pong
	PingInterval      time.Duration // must stay below PongWait
	MaxFrameBytes     int64         // inbound frame limit
	FanoutConcurrency int           // parallel deliveries per broadcast
	CleanupTimeout    time.Duration // budget for eviction + offline on disconnect
}

func (o *Options) norm() {
	if o.CookieName == "" {
		o.CookieName = "login-token"
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.FanoutConcurrency <= 0 {
		o.FanoutConcurrency = 16
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 5 * time.Second
	}
}
