package handler

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"lab_collab/internal/config"
	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const (
	socketDocuments = "documents"
	socketRealtime  = "realtime"

	maxFrameBytes = 2 << 20
	writeTimeout  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // доступ решает токен, а не origin
	},
}

// wsConn - одно websocket соединение: единственный писатель (writeLoop),
// ограниченная очередь исходящих кадров и лимит входящих.
// Переполнение очереди закрывает соединение: медленный клиент
// переподключится и получит свежие снимки.
type wsConn struct {
	conn    *websocket.Conn
	send    chan wire.Frame
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	cfg     config.LiveConfig
	socket  string
	metrics *service.Metrics
	log     logger.Logger
}

func newWSConn(conn *websocket.Conn, socket string, cfg config.LiveConfig, metrics *service.Metrics, log logger.Logger) *wsConn {
	return &wsConn{
		conn:    conn,
		send:    make(chan wire.Frame, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FrameBurst),
		cfg:     cfg,
		socket:  socket,
		metrics: metrics,
		log:     log,
	}
}

// enqueue не блокируется; false - соединение закрыто или переполнено
func (c *wsConn) enqueue(f wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		c.metrics.SlowConsumers.WithLabelValues(c.socket).Inc()
		c.log.Warn("Closing slow websocket consumer", "buffer", cap(c.send))
		c.close()
		return false
	}
}

func (c *wsConn) reply(id string, err error) {
	if err != nil {
		c.enqueue(wire.ErrorFrame(id, err))
		return
	}
	c.enqueue(wire.Frame{Type: wire.TypeAck, ID: id})
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.Debug("Failed to write frame", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("Failed to ping", "error", err)
				c.close()
				return
			}
		}
	}
}

// readLoop читает кадры до ошибки. Клиент, молчащий дольше PongTimeout,
// считается потерянным.
func (c *wsConn) readLoop(handle func(wire.Frame)) error {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		var f wire.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if !c.limiter.Allow() {
			c.reply(f.ID, fmt.Errorf("%w: too many frames", apperrors.ErrRateLimited))
			continue
		}
		if f.Type == wire.TypePing {
			c.reply(f.ID, nil)
			continue
		}
		handle(f)
	}
}

func isUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
