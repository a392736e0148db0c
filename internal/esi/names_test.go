package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
)

func TestResolver_Names(t *testing.T) {
	known := map[int64][2]string{
		60003760: {"Jita IV - Moon 4 - Caldari Navy Assembly Plant", "station"},
		30000142: {"Jita", "solar_system"},
	}
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var ids []int64
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil || len(ids) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n, ok := known[ids[0]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"Ensure all IDs are valid before resolving."}`)
			return
		}
		fmt.Fprintf(w, `[{"id":%d,"name":%q,"category":%q}]`, ids[0], n[0], n[1])
	})
	cache, _, _ := newTestCache(t)
	r := NewResolver(c, cache)
	ctx := context.Background()

	names, err := r.Names(ctx, []int64{60003760, 0, 30000142, 60003760})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0].ID != 30000142 || names[0].Category != "solar_system" || names[1].Name != known[60003760][0] {
		t.Errorf("names = %+v", names)
	}

	if _, err := r.Names(ctx, []int64{30000142}); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("cached names re-requested: %d calls", n)
	}

	names, err = r.Names(ctx, []int64{99999999, 30000142})
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if len(names) != 1 {
		t.Errorf("resolved prefix = %+v", names)
	}
}
