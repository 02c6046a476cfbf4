// Package remote is a store.Store backed by a kaataq store server over HTTP,
// with subscriptions on a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/types"
)

const subscriberBuffer = 32

type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger
}

var _ store.Store = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store url must be http or https: %q", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) roomURL(code string) string {
	return c.base.String() + "/rooms/" + url.PathEscape(code)
}

func (c *Client) Get(ctx context.Context, code string) (store.Snapshot, error) {
	var doc struct {
		Version int64           `json:"version"`
		Room    json.RawMessage `json:"room"`
	}
	if err := c.do(ctx, http.MethodGet, c.roomURL(code), nil, nil, &doc); err != nil {
		return store.Snapshot{}, err
	}
	room, err := store.Decode(doc.Room)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: decode room: %w", store.ErrUnavailable, err)
	}
	return store.Snapshot{Code: code, Version: doc.Version, Room: &room}, nil
}

func (c *Client) Set(ctx context.Context, code string, room engine.Room) (int64, error) {
	return c.put(ctx, code, room, nil)
}

func (c *Client) CompareAndSet(ctx context.Context, code string, expected int64, room engine.Room) (int64, error) {
	header := http.Header{}
	if expected == 0 {
		header.Set("If-None-Match", "*")
	} else {
		header.Set("If-Match", strconv.Quote(strconv.FormatInt(expected, 10)))
	}
	return c.put(ctx, code, room, header)
}

func (c *Client) put(ctx context.Context, code string, room engine.Room, header http.Header) (int64, error) {
	body, err := store.Encode(room)
	if err != nil {
		return 0, err
	}
	var resp types.VersionResponse
	if err := c.do(ctx, http.MethodPut, c.roomURL(code), header, body, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *Client) Update(ctx context.Context, code string, fields map[string]any) (int64, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return 0, err
	}
	var resp types.VersionResponse
	if err := c.do(ctx, http.MethodPatch, c.roomURL(code), nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *Client) Delete(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, c.roomURL(code), nil, nil, nil)
}

// FreeCode asks the server for a room code nothing is stored under.
func (c *Client) FreeCode(ctx context.Context) (string, error) {
	var resp types.CodeResponse
	if err := c.do(ctx, http.MethodPost, c.base.String()+"/rooms/code", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Code, nil
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", store.ErrUnavailable, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body types.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return store.ErrConflict
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrInvalid, body.Error)
	default:
		return fmt.Errorf("%w: %s %s", store.ErrUnavailable, resp.Status, body.Error)
	}
}

// Subscribe opens the room's websocket stream. The channel closes when ctx
// ends or the server drops the stream.
func (c *Client) Subscribe(ctx context.Context, code string) (<-chan store.Snapshot, error) {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	target := wsURL.String() + "/rooms/" + url.PathEscape(code) + "/ws"

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: streamClient(c.http)})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}

	out := make(chan store.Snapshot, subscriberBuffer)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			var msg types.ServerMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				if ctx.Err() == nil && !isNormalClose(err) {
					c.log.Debug("room stream ended", zap.String("code", code), zap.Error(err))
				}
				return
			}
			snap, ok := msg.Snapshot()
			if !ok {
				c.log.Warn("room stream error", zap.String("code", code), zap.String("error", msg.Error))
				return
			}
			if snap.Code == "" {
				snap.Code = code
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// streamClient drops the overall request timeout, which would otherwise cut
// long-lived streams short.
func streamClient(hc *http.Client) *http.Client {
	clone := *hc
	clone.Timeout = 0
	return &clone
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF)
}
