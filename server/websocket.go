package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/telemetry"
)

const (
	streamBuffer   = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxCommandSize = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		requestHost := r.Host
		originHost := u.Host
		if h, _, err := net.SplitHostPort(requestHost); err == nil {
			requestHost = h
		}
		if h, _, err := net.SplitHostPort(originHost); err == nil {
			originHost = h
		}
		if strings.EqualFold(requestHost, originHost) {
			return true
		}
		return originHost == "localhost" || originHost == "127.0.0.1"
	},
}

// TraceStream 通过 WebSocket 实时推送追踪事件。
// 客户端可发送 {"op":"subscribe","topic":"provider:Yahoo"} 或 "engine:<tag>" 过滤，未订阅任何主题时接收全部事件。
// 查询参数 provider 与 engine 作为初始订阅。
type TraceStream struct {
	traces *telemetry.TraceLog
	logger *logging.Logger
	active atomic.Int64
}

// NewTraceStream 创建追踪事件推送器。
func NewTraceStream(traces *telemetry.TraceLog, logger *logging.Logger) *TraceStream {
	return &TraceStream{traces: traces, logger: logging.OrDefault(logger).Named("trace_stream")}
}

// Active 当前连接数。
func (s *TraceStream) Active() int64 { return s.active.Load() }

type streamClient struct {
	conn   *websocket.Conn
	events <-chan telemetry.TraceEvent
	cancel func()
	mu     sync.Mutex
	topics map[string]struct{}
}

// ServeHTTP 处理 WebSocket 升级请求。
func (s *TraceStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	events, cancel := s.traces.Subscribe(streamBuffer)
	c := &streamClient{conn: conn, events: events, cancel: cancel, topics: make(map[string]struct{})}
	if p := r.URL.Query().Get("provider"); p != "" {
		c.topics["provider:"+p] = struct{}{}
	}
	if e := r.URL.Query().Get("engine"); e != "" {
		c.topics["engine:"+e] = struct{}{}
	}

	n := s.active.Add(1)
	s.logger.DebugContext(r.Context(), "trace stream client connected", "addr", conn.RemoteAddr(), "active", n)

	ctx, done := context.WithCancel(context.Background())
	go func() {
		c.readPump()
		done()
	}()
	go func() {
		c.writePump(ctx)
		c.cancel()
		_ = conn.Close()
		s.active.Add(-1)
		s.logger.Debug("trace stream client disconnected", "addr", conn.RemoteAddr())
	}()
}

func (c *streamClient) wants(ev telemetry.TraceEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return true
	}
	if _, ok := c.topics["provider:"+ev.Provider]; ok {
		return true
	}
	_, ok := c.topics["engine:"+ev.Engine]
	return ok
}

func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxCommandSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			Op    string `json:"op"`
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Topic == "" {
			continue
		}
		c.mu.Lock()
		switch cmd.Op {
		case "subscribe":
			c.topics[cmd.Topic] = struct{}{}
		case "unsubscribe":
			delete(c.topics, cmd.Topic)
		}
		c.mu.Unlock()
	}
}

func (c *streamClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.wants(ev) {
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
