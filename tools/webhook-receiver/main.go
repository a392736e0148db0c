// Command webhook-receiver records corpaudit run notifications for local
// testing. With WEBHOOK_SECRET set it rejects deliveries whose signature does
// not match the body.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type notification struct {
	RunID      string `json:"run_id"`
	JobKey     string `json:"job_key"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	FinishedAt string `json:"finished_at"`
}

type request struct {
	Timestamp  string            `json:"timestamp"`
	DeliveryID string            `json:"delivery_id"`
	Verified   bool              `json:"verified"`
	Run        notification      `json:"run"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type stats struct {
	Count        int64            `json:"count"`
	Rejected     int64            `json:"rejected"`
	ByStatus     map[string]int64 `json:"by_status"`
	LastRequests []request        `json:"last_requests"`
	Since        string           `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	byStatus     = map[string]int64{}
	lastRequests []request
	secret       string
	since        time.Time
	maxStored    = 50
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("WEBHOOK_SECRET")

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		rejected = 0
		byStatus = map[string]int64{}
		lastRequests = nil
		since = time.Now().UTC()
	secret = os.Getenv("WEBHOOK_SECRET")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (signature check=%t)", addr, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verified := secret != "" && validSignature(body, r.Header.Get("X-Corpaudit-Signature"))
	if secret != "" && !verified {
		mu.Lock()
		rejected++
		mu.Unlock()
		log.Printf("hook rejected: bad signature (delivery=%s)", r.Header.Get("X-Corpaudit-Delivery-ID"))
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	req := request{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get("X-Corpaudit-Delivery-ID"),
		Verified:   verified,
		Run:        n,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	}

	mu.Lock()
	count++
	byStatus[n.Status]++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d: job=%s status=%s run=%s %s", current, n.JobKey, n.Status, n.RunID, n.Message)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Rejected:     rejected,
		ByStatus:     make(map[string]int64, len(byStatus)),
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	for k, v := range byStatus {
		s.ByStatus[k] = v
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
