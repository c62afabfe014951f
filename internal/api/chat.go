package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apimetrics "github.com/malbeclabs/analyst/internal/api/metrics"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const chatChunkRunes = 50

type ChatPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ChatMessage struct {
	Role    string     `json:"role"`
	Content string     `json:"content,omitempty"`
	Parts   []ChatPart `json:"parts,omitempty"`
}

// Text returns Content, or the concatenated text parts when Content is empty.
func (m ChatMessage) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type ChatStreamRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Messages  []ChatMessage `json:"messages"`
}

// latestUserText is the text of the last user message, if any.
func (r ChatStreamRequest) latestUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// chatEvent is one line of the UI message stream.
type chatEvent struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	ErrorText  string `json:"errorText,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

type ndjsonWriter struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func (n *ndjsonWriter) send(ev chatEvent) {
	_ = n.enc.Encode(ev)
	n.flusher.Flush()
	apimetrics.StreamEventsTotal.WithLabelValues("chat_" + ev.Type).Inc()
}

func eventID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// chunkText splits s into pieces of at most n runes.
func chunkText(s string, n int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		k := min(n, len(runes))
		chunks = append(chunks, string(runes[:k]))
		runes = runes[k:]
	}
	return chunks
}

// chatStream answers the latest user message as newline-delimited JSON in
// the UI message stream shape: start, a tool call per workflow node, the
// response text in deltas, then finish.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatStreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	question := req.latestUserText()
	if strings.TrimSpace(question) == "" {
		writeError(w, http.StatusBadRequest, "at least one user message is required")
		return
	}
	areq := AnalyzeRequest{Query: question, SessionID: req.SessionID}
	if err := validateQuery(areq.Query); err != nil {
		s.failPrepare(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	id := userFrom(r)
	sessionID, history, err := s.openSession(ctx, id, areq)
	if err != nil {
		s.failPrepare(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	out := &ndjsonWriter{enc: json.NewEncoder(w), flusher: flusher}
	out.send(chatEvent{Type: "start", SessionID: sessionID})

	var open string
	closeTool := func() {
		if open != "" {
			out.send(chatEvent{Type: "tool-output-available", ToolCallID: open, Output: map[string]string{"status": "complete"}})
			open = ""
		}
	}
	res, err := s.cfg.Runner.RunWithProgress(ctx, question, history, id, func(p workflow.Progress) {
		closeTool()
		open = eventID("call")
		out.send(chatEvent{Type: "tool-input-start", ToolCallID: open, ToolName: string(p.Node)})
		out.send(chatEvent{Type: "tool-input-available", ToolCallID: open, ToolName: string(p.Node), Input: p})
	})
	if err != nil {
		s.log.Info("api: chat stream cancelled", "session_id", sessionID, "error", err)
		out.send(chatEvent{Type: "error", ErrorText: "request cancelled"})
		out.send(chatEvent{Type: "finish"})
		return
	}
	closeTool()
	s.record(ctx, sessionID, question, res)

	if res.ResponseText != "" {
		textID := eventID("text")
		out.send(chatEvent{Type: "text-start", ID: textID})
		for _, chunk := range chunkText(res.ResponseText, chatChunkRunes) {
			out.send(chatEvent{Type: "text-delta", ID: textID, Delta: chunk})
		}
		out.send(chatEvent{Type: "text-end", ID: textID})
	}
	out.send(chatEvent{Type: "finish"})
}
