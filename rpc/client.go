package rpc // import "github.com/whisthq/whist/backend/workspaces/rpc"

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"golang.org/x/time/rate"
)

// Handler serves the requests a pod receives.
type Handler interface {
	HandleRPC(ctx context.Context, method Method, params json.RawMessage) (interface{}, error)
}

// Client is the pod side of the RPC. It keeps a connection to the service
// open, reconnecting whenever it drops, and serves requests concurrently.
type Client struct {
	URL     string
	Token   string
	Version string
	Handler Handler

	Dialer *websocket.Dialer
	// Limiter paces reconnects.
	Limiter *rate.Limiter
}

// NewClient returns a client that reconnects at most once every five
// seconds.
func NewClient(url, token, agentVersion string, handler Handler) *Client {
	return &Client{
		URL:     url,
		Token:   token,
		Version: agentVersion,
		Handler: handler,
		Dialer:  websocket.DefaultDialer,
		Limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Run connects and serves until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warningf("Lost connection to %s: %s. Reconnecting...", c.URL, err)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)
	header.Set(AgentVersionHeader, c.Version)

	conn, resp, err := c.Dialer.DialContext(ctx, c.URL, header)
	if err != nil {
		if resp != nil {
			return utils.MakeError("error connecting to %s: %s (status %d)", c.URL, err, resp.StatusCode)
		}
		return utils.MakeError("error connecting to %s: %s", c.URL, err)
	}
	logger.Infof("Connected to %s", c.URL)

	connCtx, cancel := context.WithCancel(ctx)
	var handlers sync.WaitGroup
	defer handlers.Wait()
	defer cancel()
	defer conn.Close()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	var writeLock sync.Mutex
	for {
		var req Message
		if err := conn.ReadJSON(&req); err != nil {
			return err
		}
		if req.Type != TypeRequest {
			continue
		}

		handlers.Add(1)
		go func(req *Message) {
			defer handlers.Done()
			resp := c.handle(connCtx, req)

			writeLock.Lock()
			defer writeLock.Unlock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(resp); err != nil {
				logger.Warningf("Error answering %s request %s: %s", req.Method, req.ID, err)
			}
		}(&req)
	}
}

func (c *Client) handle(ctx context.Context, req *Message) *Message {
	params, err := req.ParamsBytes()
	if err != nil {
		return NewResponse(req, nil, err)
	}
	result, err := c.Handler.HandleRPC(ctx, req.Method, params)
	return NewResponse(req, result, err)
}
