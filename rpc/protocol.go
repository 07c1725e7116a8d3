// Package rpc is the WebSocket RPC that connects the workspace service to
// local pods. Pods dial in (they are usually behind NAT), after which the
// service sends requests down the pod's connection and the pod answers them.
//
// Every frame is a JSON Message. Bodies larger than 32 KiB are sent
// lz4-compressed in Payload instead of inline.
package rpc // import "github.com/whisthq/whist/backend/workspaces/rpc"

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pierrec/lz4/v4"
	"github.com/whisthq/whist/backend/workspaces/compute"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
)

// Method names a pod operation.
type Method string

// The methods a pod serves.
const (
	MethodWorkspaceCreate    Method = "WORKSPACE_CREATE"
	MethodWorkspaceGet       Method = "WORKSPACE_GET"
	MethodWorkspaceUpdate    Method = "WORKSPACE_UPDATE"
	MethodWorkspaceStop      Method = "WORKSPACE_STOP"
	MethodWorkspaceDelete    Method = "WORKSPACE_DELETE"
	MethodWorkspaceHeartbeat Method = "WORKSPACE_HEARTBEAT"
	MethodWorkspaceListFiles Method = "WORKSPACE_LIST_FILES"
	MethodWorkspaceReadFile  Method = "WORKSPACE_READ_FILE"
	MethodWorkspaceWriteFile Method = "WORKSPACE_WRITE_FILE"
	MethodWorkspaceExec      Method = "WORKSPACE_EXEC"
	MethodTerminalCreate     Method = "TERMINAL_CREATE"
	MethodTerminalInput      Method = "TERMINAL_INPUT"
	MethodTerminalResize     Method = "TERMINAL_RESIZE"
	MethodTerminalClose      Method = "TERMINAL_CLOSE"
	MethodHealthCheck        Method = "HEALTH_CHECK"
)

// AgentVersionHeader carries the pod agent's version on connect.
const AgentVersionHeader = "X-Pod-Agent-Version"

// MessageType tells requests and responses apart.
type MessageType string

// Message types.
const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// compressionThreshold is the body size above which a message body is
// compressed.
const compressionThreshold = 32 << 10

// Message is a single RPC frame. A response has the ID of its request.
type Message struct {
	ID     string          `json:"id"`
	Type   MessageType     `json:"type"`
	Method Method          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`

	// Compressed is set when the body (params of a request, result of a
	// response) was moved into Payload as lz4.
	Compressed bool   `json:"compressed,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// ErrorPayload is a classified error as it travels over the wire. It keeps
// enough of compute.Error for the service to rebuild the same kind.
type ErrorPayload struct {
	Kind        compute.Kind      `json:"kind"`
	Op          string            `json:"op,omitempty"`
	WorkspaceID types.WorkspaceID `json:"workspace_id,omitempty"`
	Message     string            `json:"message"`
}

// NewErrorPayload flattens err for the wire.
func NewErrorPayload(err error) *ErrorPayload {
	var e *compute.Error
	if errors.As(err, &e) {
		p := &ErrorPayload{Kind: e.Kind, Op: e.Op, WorkspaceID: e.WorkspaceID}
		if e.Err != nil {
			p.Message = e.Err.Error()
		}
		return p
	}
	return &ErrorPayload{Kind: compute.KindInternal, Message: err.Error()}
}

// Err rebuilds the error on the receiving side.
func (p *ErrorPayload) Err(method Method) error {
	op := p.Op
	if op == "" {
		op = string(method)
	}
	return &compute.Error{Kind: p.Kind, Op: op, WorkspaceID: p.WorkspaceID, Err: errors.New(p.Message)}
}

// NewRequest builds a request for method with a fresh id.
func NewRequest(method Method, params interface{}) (*Message, error) {
	m := &Message{ID: shortuuid.New(), Type: TypeRequest, Method: method}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, utils.MakeError("error encoding %s params: %s", method, err)
	}
	if err := m.setBody(raw, &m.Params); err != nil {
		return nil, err
	}
	return m, nil
}

// NewResponse builds the response to req. A non-nil callErr wins over the
// result.
func NewResponse(req *Message, result interface{}, callErr error) *Message {
	m := &Message{ID: req.ID, Type: TypeResponse, Method: req.Method}
	if callErr != nil {
		m.Error = NewErrorPayload(callErr)
		return m
	}
	raw, err := json.Marshal(result)
	if err == nil {
		err = m.setBody(raw, &m.Result)
	}
	if err != nil {
		m.Error = NewErrorPayload(utils.MakeError("error encoding %s result: %s", req.Method, err))
	}
	return m
}

func (m *Message) setBody(raw []byte, field *json.RawMessage) error {
	if len(raw) <= compressionThreshold {
		*field = raw
		return nil
	}
	compressed, err := compress(raw)
	if err != nil {
		return err
	}
	m.Compressed = true
	m.Payload = compressed
	return nil
}

func (m *Message) body(field json.RawMessage) ([]byte, error) {
	if !m.Compressed {
		return field, nil
	}
	return decompress(m.Payload)
}

// ParamsBytes returns the request body, decompressing it if needed.
func (m *Message) ParamsBytes() ([]byte, error) {
	return m.body(m.Params)
}

// ResultBytes returns the response body, decompressing it if needed.
func (m *Message) ResultBytes() ([]byte, error) {
	return m.body(m.Result)
}

func compress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		return nil, utils.MakeError("error compressing message body: %s", err)
	}
	if err := w.Close(); err != nil {
		return nil, utils.MakeError("error compressing message body: %s", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, utils.MakeError("error decompressing message body: %s", err)
	}
	return out, nil
}
