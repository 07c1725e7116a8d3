package rpc // import "github.com/whisthq/whist/backend/workspaces/rpc"

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-version"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/httputils"
	"github.com/whisthq/whist/backend/workspaces/metrics"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it's
	// considered dead. Pings go out well before that.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxMessageSize bounds incoming frames.
	maxMessageSize = 64 << 20
)

// ErrNotConnected is wrapped by every error a call to an absent pod returns.
var ErrNotConnected = errors.New("pod not connected")

// TokenVerifier checks a pod's connection token and returns the pod it was
// issued to.
type TokenVerifier interface {
	VerifyPodToken(ctx context.Context, token string) (types.PodID, error)
}

// Hub accepts pod connections and sends them requests. It implements
// http.Handler for the connect endpoint.
type Hub struct {
	verifier   TokenVerifier
	minVersion *version.Version
	upgrader   websocket.Upgrader

	lock sync.RWMutex
	pods map[types.PodID]*podConn
}

// NewHub returns a hub that authenticates pods with verifier. When
// minVersion is non-empty, pods reporting an older agent version are
// turned away.
func NewHub(verifier TokenVerifier, minVersion string) (*Hub, error) {
	h := &Hub{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
		},
		pods: make(map[types.PodID]*podConn),
	}
	if minVersion != "" {
		v, err := version.NewVersion(minVersion)
		if err != nil {
			return nil, utils.MakeError("invalid minimum pod agent version %q: %s", minVersion, err)
		}
		h.minVersion = v
	}
	return h, nil
}

// podConn is one live pod connection.
type podConn struct {
	pod     types.PodID
	version string
	conn    *websocket.Conn

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]chan *Message

	done      chan struct{}
	closeOnce sync.Once
}

func (c *podConn) write(m *Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(m)
}

func (c *podConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *podConn) addPending(id string) chan *Message {
	ch := make(chan *Message, 1)
	c.pendingLock.Lock()
	c.pending[id] = ch
	c.pendingLock.Unlock()
	return ch
}

func (c *podConn) removePending(id string) {
	c.pendingLock.Lock()
	delete(c.pending, id)
	c.pendingLock.Unlock()
}

func (c *podConn) deliver(m *Message) {
	c.pendingLock.Lock()
	ch, ok := c.pending[m.ID]
	c.pendingLock.Unlock()
	if !ok {
		logger.Warningf("Dropping response %s for %s from pod %s: nobody is waiting for it", m.ID, m.Method, c.pod)
		return
	}
	// The channel holds one response; anything past it is a duplicate.
	select {
	case ch <- m:
	default:
		logger.Warningf("Dropping duplicate response %s for %s from pod %s", m.ID, m.Method, c.pod)
	}
}

// ServeHTTP authenticates the pod, upgrades the connection and serves it
// until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := httputils.GetAccessToken(r)
	if err != nil {
		http.Error(w, "missing pod token", http.StatusUnauthorized)
		return
	}
	pod, err := h.verifier.VerifyPodToken(r.Context(), token)
	if err != nil {
		logger.Warningf("Rejected pod connection: %s", err)
		http.Error(w, "invalid pod token", http.StatusUnauthorized)
		return
	}

	agentVersion := r.Header.Get(AgentVersionHeader)
	if err := h.checkVersion(agentVersion); err != nil {
		logger.Warningf("Rejected pod %s: %s", pod, err)
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logger.Warningf("Failed to upgrade connection from pod %s: %s", pod, err)
		return
	}

	c := &podConn{
		pod:     pod,
		version: agentVersion,
		conn:    conn,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	logger.Infow("Pod connected", zap.String("pod_id", string(pod)), zap.String("agent_version", agentVersion))
	h.serve(c)
	logger.Infow("Pod disconnected", zap.String("pod_id", string(pod)))
}

func (h *Hub) checkVersion(raw string) error {
	if h.minVersion == nil {
		return nil
	}
	if raw == "" {
		return utils.MakeError("pod agent did not report a version, need at least %s", h.minVersion)
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return utils.MakeError("invalid pod agent version %q: %s", raw, err)
	}
	if v.LessThan(h.minVersion) {
		return utils.MakeError("pod agent version %s is older than the minimum %s", v, h.minVersion)
	}
	return nil
}

// register makes c the pod's connection, closing any older one.
func (h *Hub) register(c *podConn) {
	h.lock.Lock()
	old := h.pods[c.pod]
	h.pods[c.pod] = c
	metrics.ConnectedPods.Set(float64(len(h.pods)))
	h.lock.Unlock()

	if old != nil {
		logger.Infof("Pod %s reconnected, closing its previous connection", c.pod)
		old.close()
	}
}

func (h *Hub) unregister(c *podConn) {
	c.close()
	h.lock.Lock()
	if h.pods[c.pod] == c {
		delete(h.pods, c.pod)
	}
	metrics.ConnectedPods.Set(float64(len(h.pods)))
	h.lock.Unlock()
}

// serve runs the read loop of c along with its pinger.
func (h *Hub) serve(c *podConn) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.close()
					return
				}
			}
		}
	}()

	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					logger.Warningf("Error reading from pod %s: %s", c.pod, err)
				}
			}
			return
		}
		if m.Type != TypeResponse {
			logger.Warningf("Ignoring %s message %s from pod %s", m.Type, m.ID, c.pod)
			continue
		}
		c.deliver(&m)
	}
}

func (h *Hub) conn(pod types.PodID) *podConn {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.pods[pod]
}

// IsConnected reports whether pod currently has a live connection.
func (h *Hub) IsConnected(pod types.PodID) bool {
	return h.conn(pod) != nil
}

// Pods returns the connected pods, sorted.
func (h *Hub) Pods() []types.PodID {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return utils.SortedKeys(h.pods)
}

// Call sends method to pod and decodes the result into out, which may be
// nil. It fails with a connectivity error wrapping ErrNotConnected when the
// pod isn't connected, and with a timeout error once timeout passes.
// Errors the pod returns keep their kind.
func (h *Hub) Call(ctx context.Context, pod types.PodID, method Method, params interface{}, out interface{}, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(compute.KindOf(err))
		}
		metrics.ObserveRPC(string(method), outcome, start)
	}()

	op := string(method)
	c := h.conn(pod)
	if c == nil {
		return &compute.Error{Kind: compute.KindConnectivity, Op: op, Err: utils.MakeError("pod %s: %w", pod, ErrNotConnected)}
	}

	req, err := NewRequest(method, params)
	if err != nil {
		return compute.InternalError(op, "", "%s", err)
	}

	ch := c.addPending(req.ID)
	defer c.removePending(req.ID)
	if err := c.write(req); err != nil {
		return compute.UnreachableError(op, "", "error sending request to pod %s: %s", pod, err)
	}

	if timeout <= 0 {
		timeout = compute.DefaultExecTimeout
	}
	timer := time.NewTimer(timeout)
	defer utils.StopAndDrainTimer(timer)

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Err(method)
		}
		if out == nil {
			return nil
		}
		raw, err := resp.ResultBytes()
		if err != nil {
			return compute.InternalError(op, "", "%s", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return compute.InternalError(op, "", "error decoding result from pod %s: %s", pod, err)
		}
		return nil
	case <-c.done:
		return compute.UnreachableError(op, "", "connection to pod %s closed", pod)
	case <-timer.C:
		return compute.TimeoutError(op, "", "pod %s did not answer within %s", pod, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return compute.TimeoutError(op, "", "%s", ctx.Err())
		}
		return compute.UnreachableError(op, "", "call to pod %s cancelled: %s", pod, ctx.Err())
	}
}

// Close drops every pod connection.
func (h *Hub) Close() {
	h.lock.RLock()
	conns := make([]*podConn, 0, len(h.pods))
	for _, c := range h.pods {
		conns = append(conns, c)
	}
	h.lock.RUnlock()
	for _, c := range conns {
		c.close()
	}
}
