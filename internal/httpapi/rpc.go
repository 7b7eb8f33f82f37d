package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/auth"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/dispatch"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

// RPC methods.
const (
	MethodDispatch     = "dispatch"
	MethodAgentsList   = "agents/list"
	MethodAgentMetrics = "metrics/agents"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// handleRPC serves one JSON-RPC request. Transport-level success is always
// 200; failures travel in the error member.
func (h *APIHandler) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: rpcParseError, Message: "parse error"})
		return
	}

	var req rpcRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: rpcParseError, Message: "parse error"})
		return
	}
	if req.Method == "" {
		writeRPC(w, req.ID, nil, &rpcError{Code: rpcInvalidParams, Message: "method is required"})
		return
	}

	result, rerr := h.callRPC(r, req)
	if rerr != nil {
		h.logger.Debug("RPC call failed",
			zap.String("method", req.Method),
			zap.Int("code", rerr.Code),
			zap.String("message", rerr.Message),
		)
	}
	writeRPC(w, req.ID, result, rerr)
}

func (h *APIHandler) callRPC(r *http.Request, req rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case MethodDispatch:
		if err := auth.RequireScopes(r.Context(), auth.ScopeDispatchExecute); err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: "forbidden", Data: err.Error()}
		}
		var params dispatch.Request
		if len(req.Params) == 0 {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "params are required"}
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid params", Data: err.Error()}
		}
		res, err := h.orch.Dispatch(r.Context(), params)
		switch {
		case errors.Is(err, dispatch.ErrEmptyDescription):
			return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
		case errors.Is(err, agents.ErrNoAgents):
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		case err != nil:
			return nil, &rpcError{Code: rpcServerError, Message: sanitizeErr(err.Error())}
		}
		return newDispatchResponse(res), nil

	case MethodAgentsList:
		if err := auth.RequireScopes(r.Context(), auth.ScopeAgentsRead); err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: "forbidden", Data: err.Error()}
		}
		return map[string]interface{}{"agents": h.orch.Directory().All()}, nil

	case MethodAgentMetrics:
		if err := auth.RequireScopes(r.Context(), auth.ScopeAgentsRead); err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: "forbidden", Data: err.Error()}
		}
		return map[string]interface{}{"agents": h.orch.Tracker().Snapshot()}, nil

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result interface{}, rerr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: id}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}
