package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// replayTTL bounds how long a response is replayed for a repeated
// idempotency key.
const replayTTL = 5 * time.Minute

// RPCRouter dispatches JSON-RPC requests to registered method handlers.
// Requests carrying an idempotency key get the first response replayed
// for replayTTL.
type RPCRouter struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
	replays  *replayCache
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		handlers: make(map[string]RequestHandler),
		replays:  newReplayCache(replayTTL),
	}
}

// RegisterMethod binds handler to name, replacing any previous binding.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler for %q cannot be nil", name)
	}
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Methods lists the registered method names in sorted order.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// ParseRequest decodes a request frame. Failures are returned as *RPCError.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	req := &RPCRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return req, nil
}

// RouteRequest runs the handler for req and wraps its outcome. A handler
// error that wraps an *RPCError keeps that error's code.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := ""
	if req.IdempotencyKey != "" {
		key = req.Method + ":" + req.IdempotencyKey
		if resp, ok := r.replays.get(key); ok {
			resp.ID = req.ID
			return &resp
		}
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	var resp *RPCResponse
	if result, err := handler(ctx, req.Params); err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp = errorResponse(req.ID, rpcErr)
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	if key != "" {
		r.replays.put(key, *resp)
	}
	return resp
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: err}
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

// replayCache remembers responses by idempotency key. Expired entries are
// swept on every put.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]replayEntry
	now     func() time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, entries: make(map[string]replayEntry), now: time.Now}
}

func (c *replayCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return e.resp.clone(), true
}

func (c *replayCache) put(key string, resp RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: resp.clone(), expires: now.Add(c.ttl)}
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		errCopy := *r.Error
		r.Error = &errCopy
	}
	return r
}
