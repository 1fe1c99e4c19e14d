package bundlerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundlererr"
)

const maxRequestBodyBytes = 5 << 20

// Server is the bundler's HTTP JSON-RPC 2.0 transport: one POST endpoint,
// single or batch requests detected by the leading byte, with no
// websocket upgrade or per-IP rate limiter, per this bundler's narrower
// HTTP-only transport.
type Server struct {
	registry *Registry
}

// NewServer builds a Server dispatching through registry.
func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	w.Header().Set("Content-Type", "application/json")

	if len(trimmed) > 0 && trimmed[0] == '[' {
		s.handleBatch(req.Context(), w, trimmed)
		return
	}
	s.handleSingle(req.Context(), w, trimmed)
}

func (s *Server) handleSingle(ctx context.Context, w http.ResponseWriter, body []byte) {
	var reqObj Request
	if err := json.Unmarshal(body, &reqObj); err != nil {
		writeJSON(w, errorResponse(nil, -32700, "parse error", nil))
		return
	}
	writeJSON(w, s.handleOne(ctx, reqObj))
}

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeJSON(w, errorResponse(nil, -32700, "parse error", nil))
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, errorResponse(nil, -32600, "empty batch", nil))
		return
	}

	responses := make([]*Response, len(reqs))
	var wg sync.WaitGroup
	for i, r := range reqs {
		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			responses[i] = s.handleOne(ctx, r)
		}(i, r)
	}
	wg.Wait()

	writeJSON(w, responses)
}

func (s *Server) handleOne(ctx context.Context, r Request) *Response {
	result, err := s.registry.dispatch(ctx, r.Method, r.Params)
	if err != nil {
		return errorResponse(r.ID, codeOf(err), err.Error(), dataOf(err))
	}
	return successResponse(r.ID, result)
}

func codeOf(err error) int {
	if be, ok := err.(*bundlererr.Error); ok {
		return be.ErrorCode()
	}
	return -32603
}

func dataOf(err error) interface{} {
	if be, ok := err.(*bundlererr.Error); ok {
		return be.ErrorData()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("bundlerrpc: failed to encode response", "err", err)
	}
}
