// Package client - SDK labd для labchat: аутентификация, документное
// хранилище (REST + /ws/documents), хранилище присутствия (/ws/realtime)
// и файловое хранилище. Колбэки подписок доставляются по очереди и
// никогда не из горутины чтения сокета, поэтому из них можно писать.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lab_collab/internal/config"
	"lab_collab/internal/serial"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const defaultRequestTimeout = 15 * time.Second

type Client struct {
	cfg  config.ClientConfig
	base *url.URL
	http *http.Client
	log  logger.Logger

	auth      *Auth
	documents *DocumentStore
	realtime  *RealtimeStore
	storage   *Storage

	dispatch serial.Queue

	closeOnce sync.Once
}

func New(cfg config.ClientConfig, log logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  log,
	}
	c.auth = newAuth(c)
	c.documents = newDocumentStore(c)
	c.realtime = newRealtimeStore(c)
	c.storage = newStorage(c)
	return c, nil
}

func (c *Client) Auth() *Auth                { return c.auth }
func (c *Client) Documents() *DocumentStore { return c.documents }
func (c *Client) Realtime() *RealtimeStore  { return c.realtime }
func (c *Client) Storage() *Storage         { return c.storage }

// Close закрывает сокеты. Для сервера это обрыв: он применит отложенные записи.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.documents.close()
		c.realtime.close()
	})
}

// deliver ставит колбэк в общую очередь и доставляет его в отдельной горутине
func (c *Client) deliver(fn func()) {
	c.dispatch.Push(fn)
	go c.dispatch.Drain()
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) wsEndpoint(path string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String() + path
}

// do выполняет JSON запрос
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = raw
	}
	return c.doRaw(ctx, method, path, "application/json", body, out)
}

// doRaw при 401 один раз обновляет токен и повторяет запрос
func (c *Client) doRaw(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	err := c.send(ctx, method, path, contentType, body, out)
	if apperrors.HTTPStatusFromError(err) == http.StatusUnauthorized && c.auth.canRefresh() {
		if rerr := c.auth.Refresh(ctx); rerr != nil {
			return err
		}
		err = c.send(ctx, method, path, contentType, body, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.auth.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body wire.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	if body.Code == "" {
		body.Code = apperrors.Code(statusError(resp.StatusCode))
	}
	return apperrors.NewAPIError(body.Error, body.Code, resp.StatusCode)
}

func statusError(status int) error {
	switch status {
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case http.StatusForbidden:
		return apperrors.ErrPermissionDenied
	case http.StatusBadRequest:
		return apperrors.ErrInvalidArgument
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return apperrors.ErrPayloadTooLarge
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return apperrors.ErrUnavailable
	default:
		return apperrors.ErrInternalServer
	}
}
