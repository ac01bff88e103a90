// ABOUTME: Minimal fake agent gateway for local bridge testing — serves /api/send, echoes messages over SSE.
// ABOUTME: Usage: fake-gateway [-addr localhost:8080] [-delay 500ms] [-fail]

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type sendRequest struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	delay := flag.Duration("delay", 500*time.Millisecond, "simulated thinking time before the reply")
	fail := flag.Bool("fail", false, "respond to every request with an error event")
	flag.Parse()

	http.HandleFunc("/api/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		log.Printf("send: sender=%s agent=%s channel=%s/%s content=%q",
			req.Sender, req.AgentID, req.Frontend, req.ChannelID, truncate(req.Content, 80))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		writeEvent(w, "thinking", map[string]string{"text": "thinking..."})
		flusher.Flush()
		time.Sleep(*delay)

		if *fail {
			writeEvent(w, "error", map[string]string{"error": "fake gateway configured to fail"})
			flusher.Flush()
			return
		}

		reply := echoReply(req)
		writeEvent(w, "text", map[string]string{"text": reply})
		writeEvent(w, "done", map[string]string{"full_response": reply})
		flusher.Flush()
	})

	log.Printf("fake gateway listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// echoReply builds a canned response. Triage dispatches (addressed to an
// agent id) get the four-section analysis shape so cards and deep links can
// be exercised end to end.
func echoReply(req sendRequest) string {
	if req.AgentID != "" {
		return fmt.Sprintf(
			"1. Summary — echo of your request (%d chars)\n"+
				"2. Relevance — none, this is the fake gateway\n"+
				"3. Risks — none\n"+
				"4. Recommended action — run against a real gateway\n",
			len(req.Content))
	}
	return "echo: " + req.Content
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
