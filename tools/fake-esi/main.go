// Command fake-esi serves canned ESI character endpoints for local runs of
// corpaudit. Point ESI_BASE_URL at it.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
)

var (
	requests atomic.Int64
	// failEvery makes every nth request answer 502. 0 disables.
	failEvery int64
)

func main() {
	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			log.Fatalf("invalid FAIL_EVERY=%q", v)
		}
		failEvery = n
	}

	log.Printf("fake-esi listening on %s (fail_every=%d)", addr, failEvery)
	log.Fatal(http.ListenAndServe(addr, newMux()))
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /characters/{id}/{endpoint}/", characterHandler)
	mux.HandleFunc("POST /universe/names/", namesHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// fixtures build the response body of each endpoint for a character id.
var fixtures = map[string]func(id int64) any{
	"assets": func(id int64) any {
		return []map[string]any{{"item_id": 1}, {"item_id": 2}, {"item_id": 3}}
	},
	"clones": func(id int64) any {
		return map[string]any{
			"home_location": map[string]any{"location_id": 60003760},
			"jump_clones":   []map[string]any{{"location_id": 60008494}},
		}
	},
	"location": func(id int64) any { return map[string]any{"solar_system_id": 30000142} },
	"roles": func(id int64) any {
		return map[string]any{"roles": []string{"Director", "Accountant"}}
	},
	"titles": func(id int64) any {
		return []map[string]any{{"title_id": 1, "name": "CEO"}}
	},
	"ship": func(id int64) any {
		return map[string]any{"ship_type_id": 587, "ship_name": fmt.Sprintf("Rifter %d", id)}
	},
	"skillqueue": func(id int64) any {
		return []map[string]any{{"skill_id": 3300}, {"skill_id": 3301}}
	},
	"skills": func(id int64) any { return map[string]any{"total_sp": 5000000 + id} },
	"wallet": func(id int64) any { return 1234567.89 },
}

func characterHandler(w http.ResponseWriter, r *http.Request) {
	if shouldFail() {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
		return
	}
	if r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization not provided"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad character id"})
		return
	}
	fixture, ok := fixtures[r.PathValue("endpoint")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		return
	}
	w.Header().Set("X-Esi-Error-Limit-Remain", "100")
	writeJSON(w, http.StatusOK, fixture(id))
}

func namesHandler(w http.ResponseWriter, r *http.Request) {
	if shouldFail() {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
		return
	}
	var ids []int64
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "name": fmt.Sprintf("Entity %d", id), "category": "station"})
	}
	writeJSON(w, http.StatusOK, out)
}

func shouldFail() bool {
	n := requests.Add(1)
	return failEvery > 0 && n%failEvery == 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
