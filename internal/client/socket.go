package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const (
	socketWriteTimeout = 10 * time.Second
	// сервер пингует раз в 25с; тишина дольше считается обрывом
	socketReadTimeout = 75 * time.Second
)

// socket - переподключающееся websocket соединение с запросами по id.
// onConnect вызывается из горутины соединения после каждого подключения,
// onFrame - для каждого кадра, не являющегося ответом на call.
type socket struct {
	c    *Client
	path string
	log  logger.Logger

	onConnect    func()
	onDisconnect func()
	onFrame      func(wire.Frame)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wire.Frame
	gen     uint64
	started bool
	closed  bool

	writeMu sync.Mutex
	seq     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newSocket(c *Client, path string) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		c:       c,
		path:    path,
		log:     c.log.With("socket", path),
		pending: make(map[string]chan wire.Frame),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// start запускает цикл подключения один раз
func (s *socket) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

func (s *socket) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// generation - номер текущего подключения; подписка, отправленная в этом
// поколении, не отправляется повторно из onConnect
func (s *socket) generation() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, s.conn != nil
}

func (s *socket) nextID() string {
	return "c" + strconv.FormatUint(s.seq.Add(1), 10)
}

func (s *socket) run() {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0

	for s.ctx.Err() == nil {
		conn, err := s.dial()
		if err != nil {
			wait := b.NextBackOff()
			s.log.Debug("Failed to connect", "error", err, "retry_in", wait)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.gen++
		s.mu.Unlock()
		s.log.Debug("Connected")
		if s.onConnect != nil {
			s.onConnect()
		}

		err = s.read(conn)
		s.log.Debug("Disconnected", "error", err)

		s.mu.Lock()
		s.conn = nil
		pending := s.pending
		s.pending = make(map[string]chan wire.Frame)
		s.mu.Unlock()
		conn.Close()
		for id, ch := range pending {
			ch <- wire.ErrorFrame(id, fmt.Errorf("%w: connection lost", apperrors.ErrUnavailable))
		}
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	}
}

func (s *socket) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.c.cfg.RequestTimeout)
	defer cancel()

	header := http.Header{}
	if token := s.c.auth.accessToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.c.wsEndpoint(s.path), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && s.c.auth.canRefresh() {
			if rerr := s.c.auth.Refresh(ctx); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
	return conn, nil
}

func (s *socket) read(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(socketWriteTimeout))
	})

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

		if f.Type == wire.TypeAck || f.Type == wire.TypeError {
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
		}
		if s.onFrame != nil {
			s.onFrame(f)
		}
	}
}

// send пишет кадр без ожидания ответа
func (s *socket) send(f wire.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", apperrors.ErrUnavailable)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}
	return nil
}

// call отправляет кадр и ждет ack или error с тем же id
func (s *socket) call(ctx context.Context, f wire.Frame) error {
	if f.ID == "" {
		f.ID = s.nextID()
	}
	ch := make(chan wire.Frame, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: not connected", apperrors.ErrUnavailable)
	}
	s.pending[f.ID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}
	if err := s.send(f); err != nil {
		forget()
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == wire.TypeError {
			return resp.Error.Err()
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// close обрывает соединение и останавливает переподключение
func (s *socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	if started {
		<-s.done
	}
}
