package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/retrieval"
)

const (
	ProtocolVersion = "2024-11-05"
	MaxRequestBytes = 1 << 20
	MaxSearchLimit  = 50
)

type Retriever interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error)
	GetDocument(ctx context.Context, pageURL string) (*retrieval.Document, error)
}

type QueueStats interface {
	GetQueueStats() (queue.Stats, error)
}

// Handler serves the Model Context Protocol over plain JSON-RPC POSTs,
// exposing search and page reads over the stored chunks.
type Handler struct {
	retriever Retriever
	stats     QueueStats
}

func NewHandler(r Retriever, s QueueStats) *Handler {
	return &Handler{retriever: r, stats: s}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query  string `json:"query"`
	Limit  *int   `json:"limit,omitempty"`
	Domain string `json:"domain,omitempty"`
}

type ReadPageArgs struct {
	URL string `json:"url"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

var tools = []Tool{
	{
		Name: "search",
		Description: `Semantic search over embedded pages. Returns the closest chunks with their URL, title and section header.

Use read_page(url="...") to read a whole page when a chunk is not enough.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{
					"type":        "string",
					"description": "The search query",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Max results to return (default 5).",
					"minimum":     1,
					"maximum":     MaxSearchLimit,
				},
				"domain": map[string]string{
					"type":        "string",
					"description": "Only return chunks from this host, e.g. docs.example.com",
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        "read_page",
		Description: "Reassembles the full stored content of a page from its chunks, in order.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]string{
					"type":        "string",
					"description": "The page URL",
				},
			},
			"required": []string{"url"},
		},
	},
	{
		Name:        "queue_status",
		Description: "Reports how many embedding jobs are pending, processing, completed and failed.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	},
}

// processRequest returns nil for notifications, which get no response.
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "embedder-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		return h.callTool(ctx, req.ID, params)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	switch params.Name {
	case "search":
		var args SearchArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(id, ErrInvalidParams, "Invalid search arguments")
		}
		if strings.TrimSpace(args.Query) == "" {
			return errorResponse(id, ErrInvalidParams, "Query is required")
		}
		opts := retrieval.SearchOptions{Domain: args.Domain}
		if args.Limit != nil {
			if *args.Limit < 1 || *args.Limit > MaxSearchLimit {
				return errorResponse(id, ErrInvalidParams, fmt.Sprintf("Limit must be between 1 and %d", MaxSearchLimit))
			}
			opts.Limit = *args.Limit
		}

		results, err := h.retriever.Search(ctx, args.Query, opts)
		if err != nil {
			slog.ErrorContext(ctx, "search failed", "error", err)
			return errorResponse(id, ErrInternal, "Search failed: "+err.Error())
		}
		slog.InfoContext(ctx, "tool execution completed", "tool", params.Name, "result_count", len(results))
		return textResponse(id, formatResults(results), false)

	case "read_page":
		var args ReadPageArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
		if args.URL == "" {
			return errorResponse(id, ErrInvalidParams, "URL is required")
		}

		doc, err := h.retriever.GetDocument(ctx, args.URL)
		if errors.Is(err, retrieval.ErrDocumentNotFound) {
			return textResponse(id, "No content found for URL.", false)
		}
		if err != nil {
			slog.ErrorContext(ctx, "read_page failed", "error", err)
			return textResponse(id, "Error: "+err.Error(), true)
		}
		slog.InfoContext(ctx, "tool execution completed", "tool", params.Name, "chunk_count", doc.Chunks)
		return textResponse(id, fmt.Sprintf("Page: %s\nURL: %s\n\n%s", doc.Title, doc.URL, doc.Content), false)

	case "queue_status":
		stats, err := h.stats.GetQueueStats()
		if err != nil {
			slog.ErrorContext(ctx, "queue_status failed", "error", err)
			return textResponse(id, "Error: "+err.Error(), true)
		}
		b, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return textResponse(id, "Error marshalling results", true)
		}
		return textResponse(id, string(b), false)
	}

	slog.WarnContext(ctx, "tool not found", "tool", params.Name)
	return errorResponse(id, ErrMethodNotFound, "Method not found: "+params.Name)
}

func formatResults(results []retrieval.SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Result %d (Score: %.2f):\n", i+1, res.Score)
		if res.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", res.Title)
		}
		fmt.Fprintf(&b, "URL: %s\n", res.URL)
		if res.Header != "" {
			fmt.Fprintf(&b, "Section: %s\n", res.Header)
		}
		fmt.Fprintf(&b, "Chunk: %d/%d\n", res.ChunkIndex+1, res.TotalChunks)
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", res.Content)
	}
	b.WriteString("\nUse read_page(url=\"...\") to read the full content of any result.\n")
	return b.String()
}

func textResponse(id interface{}, text string, isError bool) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: text}},
			IsError: isError,
		},
	}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
}

// ServeHTTP handles one JSON-RPC request per POST. JSON-RPC errors are sent
// with 200 OK; notifications get 202 Accepted and no body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, errorResponse(req.ID, ErrInvalidRequest, "Invalid request"))
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
