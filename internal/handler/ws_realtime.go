package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/config"
	"lab_collab/internal/middleware"
	"lab_collab/internal/realtime"
	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const closeTimeout = 10 * time.Second

// RealtimeSocketHandler обслуживает /ws/realtime. Сокет равен сессии:
// при любом его закрытии сервер применяет взведенные on-disconnect записи.
type RealtimeSocketHandler struct {
	hub     *service.RealtimeHub
	metrics *service.Metrics
	cfg     config.LiveConfig
	log     logger.Logger
}

func NewRealtimeSocketHandler(hub *service.RealtimeHub, metrics *service.Metrics, cfg config.LiveConfig, log logger.Logger) *RealtimeSocketHandler {
	return &RealtimeSocketHandler{
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
	}
}

func (h *RealtimeSocketHandler) Serve(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	log := h.log.With("user_id", userID)
	ws := newWSConn(conn, socketRealtime, h.cfg, h.metrics, log)
	go ws.writeLoop()

	session := h.hub.Open(userID.String())
	ctx, cancel := context.WithCancel(context.Background())
	listens := make(map[string]uint64)
	defer func() {
		cancel()
		ws.close()
		// запрос клиента уже отменен, отложенным записям нужен свой контекст
		closeCtx, done := context.WithTimeout(context.Background(), closeTimeout)
		defer done()
		session.Close(closeCtx)
		log.Debug("Realtime socket closed")
	}()
	log.Debug("Realtime socket opened")

	err = ws.readLoop(func(f wire.Frame) {
		switch f.Type {
		case wire.TypeSet:
			ws.reply(f.ID, session.Set(ctx, f.Path, f.Value))
		case wire.TypeOnDisconnectSet:
			ws.reply(f.ID, session.OnDisconnectSet(f.Path, f.Value))
		case wire.TypeOnDisconnectCancel:
			ws.reply(f.ID, session.OnDisconnectCancel(f.Path))
		case wire.TypeListen:
			ws.reply(f.ID, h.listen(ctx, ws, session, listens, f))
		case wire.TypeUnlisten:
			if lid, ok := listens[f.ID]; ok {
				session.Unlisten(lid)
				delete(listens, f.ID)
			}
			ws.reply(f.ID, nil)
		default:
			ws.reply(f.ID, fmt.Errorf("%w: unknown frame type %q", apperrors.ErrInvalidArgument, f.Type))
		}
	})
	if isUnexpectedClose(err) {
		log.Debug("Realtime socket read failed", "error", err)
	}
}

func (h *RealtimeSocketHandler) listen(ctx context.Context, ws *wsConn, session *service.RealtimeSession, listens map[string]uint64, f wire.Frame) error {
	if f.ID == "" {
		return fmt.Errorf("%w: listen requires id", apperrors.ErrInvalidArgument)
	}
	if _, dup := listens[f.ID]; dup {
		return fmt.Errorf("%w: listen id %q is in use", apperrors.ErrInvalidArgument, f.ID)
	}
	if len(listens) >= h.cfg.MaxListensPerConn {
		return fmt.Errorf("%w: at most %d listens per connection", apperrors.ErrRateLimited, h.cfg.MaxListensPerConn)
	}

	id := f.ID
	lid, err := session.Listen(ctx, f.Path, func(v realtime.Value) {
		ws.enqueue(wire.Frame{Type: wire.TypeValue, ID: id, Path: v.Path, Value: v.Data})
	})
	if err != nil {
		return err
	}
	listens[id] = lid
	return nil
}
