package handler

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/config"
	"lab_collab/internal/middleware"
	"lab_collab/internal/service"
	"lab_collab/internal/store"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

// DocumentSocketHandler обслуживает /ws/documents: живые запросы,
// мультиплексированные по id подписки.
type DocumentSocketHandler struct {
	live    *service.LiveQueryHub
	metrics *service.Metrics
	cfg     config.LiveConfig
	log     logger.Logger
}

func NewDocumentSocketHandler(live *service.LiveQueryHub, metrics *service.Metrics, cfg config.LiveConfig, log logger.Logger) *DocumentSocketHandler {
	return &DocumentSocketHandler{
		live:    live,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
	}
}

func (h *DocumentSocketHandler) Serve(c *gin.Context) {
	userID, _ := middleware.UserID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	log := h.log.With("user_id", userID)
	ws := newWSConn(conn, socketDocuments, h.cfg, h.metrics, log)
	go ws.writeLoop()

	ctx, cancel := context.WithCancel(context.Background())
	listens := make(map[string]func())
	defer func() {
		cancel()
		for _, unregister := range listens {
			unregister()
		}
		ws.close()
		log.Debug("Document socket closed", "listens", len(listens))
	}()
	log.Debug("Document socket opened")

	err = ws.readLoop(func(f wire.Frame) {
		switch f.Type {
		case wire.TypeListen:
			ws.reply(f.ID, h.listen(ctx, ws, listens, f))
		case wire.TypeUnlisten:
			if unregister, ok := listens[f.ID]; ok {
				unregister()
				delete(listens, f.ID)
			}
			ws.reply(f.ID, nil)
		default:
			ws.reply(f.ID, fmt.Errorf("%w: unknown frame type %q", apperrors.ErrInvalidArgument, f.Type))
		}
	})
	if isUnexpectedClose(err) {
		log.Debug("Document socket read failed", "error", err)
	}
}

// listen регистрирует живой запрос. Начальный снимок уходит в очередь
// раньше ack, поэтому клиент видит данные до подтверждения.
func (h *DocumentSocketHandler) listen(ctx context.Context, ws *wsConn, listens map[string]func(), f wire.Frame) error {
	if f.ID == "" || f.Query == nil {
		return fmt.Errorf("%w: listen requires id and query", apperrors.ErrInvalidArgument)
	}
	if _, dup := listens[f.ID]; dup {
		return fmt.Errorf("%w: listen id %q is in use", apperrors.ErrInvalidArgument, f.ID)
	}
	if len(listens) >= h.cfg.MaxListensPerConn {
		return fmt.Errorf("%w: at most %d listens per connection", apperrors.ErrRateLimited, h.cfg.MaxListensPerConn)
	}

	id := f.ID
	unregister, err := h.live.Register(ctx, *f.Query, func(snap store.Snapshot) {
		ws.enqueue(wire.Frame{Type: wire.TypeSnapshot, ID: id, Snapshot: &snap})
	})
	if err != nil {
		return err
	}
	listens[id] = unregister
	return nil
}
