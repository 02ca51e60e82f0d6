package models

import "time"

// Schema field names shared by every engine
const (
	FieldContent  = "content"
	FieldURL      = "url"
	FieldChatID   = "chat_id"
	FieldPostTime = "post_time"
)

// Message is one archived chat message, the unit stored in the index
type Message struct {
	Content  string    `json:"content"`   // Message text, tokenized and stored verbatim
	URL      string    `json:"url"`       // Unique locator, e.g. https://t.me/c/{chat}/{id}
	ChatID   int64     `json:"chat_id"`   // Origin chat, exact-match filter only
	PostTime time.Time `json:"post_time"` // Time the message was posted
}

// SearchHit pairs a stored message with its highlighted excerpt
type SearchHit struct {
	Msg         Message `json:"msg"`
	Highlighted string  `json:"highlighted"`
}

// SearchResult is one page of hits for a query
type SearchResult struct {
	Hits         []SearchHit `json:"hits"`           // Ordered by post_time descending
	IsLastPage   bool        `json:"is_last_page"`   // No further page holds matches
	TotalResults int         `json:"total_results"`  // Matches across all pages
	TookMs       int64       `json:"took_ms,omitempty"`
}

// Stats describes the open index
type Stats struct {
	Engine    string `json:"engine"`
	Location  string `json:"location"`
	Documents int64  `json:"documents"`
	SizeBytes int64  `json:"size_bytes"`
}

// SearchRequest represents a search query
type SearchRequest struct {
	Query   string  `json:"query"`              // Query text
	ChatIDs []int64 `json:"chat_ids,omitempty"` // Restrict hits to these chats
	PageLen int     `json:"page_len"`           // Results per page
	PageNum int     `json:"page_num"`           // Page number (1-based)
}

// UpdateRequest replaces the content of a stored message
type UpdateRequest struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WriteResponse represents the result of a single-message write
type WriteResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// BatchUpsertRequest represents a batch upsert request
type BatchUpsertRequest struct {
	Messages []Message `json:"messages"`
}

// BatchUpsertResponse represents the result of a batch upsert operation
type BatchUpsertResponse struct {
	Success      bool `json:"success"`
	IndexedCount int  `json:"indexed_count"`
}

// ClearResponse represents the result of a clear operation
type ClearResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PingResponse represents health check information
type PingResponse struct {
	Status         string `json:"status"`
	Engine         string `json:"engine"`
	TotalDocuments int64  `json:"total_documents"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
