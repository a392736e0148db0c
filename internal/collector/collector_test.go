package collector

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"

	"github.com/maferick/corpaudit/internal/domain"
)

const charID int64 = 90000001

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func mustCollector(t *testing.T, key string) Collector {
	t.Helper()
	c, ok := ByKey(key)
	if !ok {
		t.Fatalf("no collector %q", key)
	}
	return c
}

func TestAll_StableOrder(t *testing.T) {
	want := []string{"assets", "clones", "location", "roles", "ship", "skillqueue", "skills", "wallet"}
	if got := Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	all := All()
	for i, c := range all {
		if c.Key() != want[i] {
			t.Errorf("All()[%d] = %s, want %s", i, c.Key(), want[i])
		}
	}
	if _, ok := ByKey("implants"); ok {
		t.Error("ByKey found an unknown collector")
	}
}

func TestEndpointsAndScopes(t *testing.T) {
	tests := []struct {
		key       string
		scopes    []string
		endpoints []string
	}{
		{"assets", []string{"esi-assets.read_assets.v1"}, []string{"/characters/90000001/assets/"}},
		{"clones", []string{"esi-clones.read_clones.v1"}, []string{"/characters/90000001/clones/"}},
		{"location", []string{"esi-location.read_location.v1"}, []string{"/characters/90000001/location/"}},
		{"roles",
			[]string{"esi-characters.read_corporation_roles.v1", "esi-characters.read_titles.v1"},
			[]string{"/characters/90000001/roles/", "/characters/90000001/titles/"}},
		{"ship", []string{"esi-location.read_ship_type.v1"}, []string{"/characters/90000001/ship/"}},
		{"skillqueue", []string{"esi-skills.read_skillqueue.v1"}, []string{"/characters/90000001/skillqueue/"}},
		{"skills",
			[]string{"esi-skills.read_skills.v1", "esi-skills.read_skillqueue.v1"},
			[]string{"/characters/90000001/skills/", "/characters/90000001/skillqueue/"}},
		{"wallet", []string{"esi-wallet.read_character_wallet.v1"}, []string{"/characters/90000001/wallet/"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			c := mustCollector(t, tt.key)
			if got := c.Scopes(); !reflect.DeepEqual(got, tt.scopes) {
				t.Errorf("Scopes() = %v, want %v", got, tt.scopes)
			}
			if got := c.Endpoints(charID); !reflect.DeepEqual(got, tt.endpoints) {
				t.Errorf("Endpoints() = %v, want %v", got, tt.endpoints)
			}
		})
	}
}

func TestScopes_ReturnsCopy(t *testing.T) {
	c := mustCollector(t, "wallet")
	s := c.Scopes()
	s[0] = "tampered"
	if c.Scopes()[0] != "esi-wallet.read_character_wallet.v1" {
		t.Error("Scopes() exposes internal state")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		payloads []json.RawMessage
		want     domain.Fields
	}{
		{
			name:     "clones",
			key:      "clones",
			payloads: []json.RawMessage{raw(`{"home_location":{"location_id":60003760},"jump_clones":[{"location_id":30000142}]}`)},
			want:     domain.Fields{"home_station_id": int64(60003760), "death_clone_location_id": int64(0), "jump_clone_location_id": int64(30000142)},
		},
		{
			name:     "clones without jump clones",
			key:      "clones",
			payloads: []json.RawMessage{raw(`{"home_location":{"location_id":60003760},"jump_clones":[]}`)},
			want:     domain.Fields{"home_station_id": int64(60003760), "death_clone_location_id": int64(0), "jump_clone_location_id": int64(0)},
		},
		{
			name:     "wallet bare number",
			key:      "wallet",
			payloads: []json.RawMessage{raw(`1234.5`)},
			want:     domain.Fields{"wallet_balance": 1234.5},
		},
		{
			name:     "wallet object payload",
			key:      "wallet",
			payloads: []json.RawMessage{raw(`{"balance":1234.5}`)},
			want:     domain.Fields{"wallet_balance": 0.0},
		},
		{
			name:     "assets empty",
			key:      "assets",
			payloads: []json.RawMessage{raw(`[]`)},
			want:     domain.Fields{"assets_count": int64(0)},
		},
		{
			name:     "assets malformed",
			key:      "assets",
			payloads: []json.RawMessage{raw(`{"error":"forbidden"}`)},
			want:     domain.Fields{"assets_count": int64(0)},
		},
		{
			name:     "assets counted",
			key:      "assets",
			payloads: []json.RawMessage{raw(`[{"item_id":1},{"item_id":2},{"item_id":3}]`)},
			want:     domain.Fields{"assets_count": int64(3)},
		},
		{
			name:     "location",
			key:      "location",
			payloads: []json.RawMessage{raw(`{"solar_system_id":30000142,"station_id":60003760}`)},
			want:     domain.Fields{"location_system_id": int64(30000142)},
		},
		{
			name:     "ship",
			key:      "ship",
			payloads: []json.RawMessage{raw(`{"ship_item_id":1000000016991,"ship_name":"Rifter Prime","ship_type_id":587}`)},
			want:     domain.Fields{"ship_type_id": int64(587), "ship_name": "Rifter Prime"},
		},
		{
			name:     "skillqueue",
			key:      "skillqueue",
			payloads: []json.RawMessage{raw(`[{"skill_id":3300},{"skill_id":3301}]`)},
			want:     domain.Fields{"skill_queue_count": int64(2)},
		},
		{
			name:     "skills ignores queue payload",
			key:      "skills",
			payloads: []json.RawMessage{raw(`{"total_sp":50000000,"skills":[]}`), raw(`[{"skill_id":1}]`)},
			want:     domain.Fields{"total_skillpoints": int64(50000000)},
		},
		{
			name:     "skills fractional total",
			key:      "skills",
			payloads: []json.RawMessage{raw(`{"total_sp":12.9}`)},
			want:     domain.Fields{"total_skillpoints": int64(12)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCollector(t, tt.key).Summarize(charID, tt.payloads)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Summarize() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestSummarize_Roles(t *testing.T) {
	c := mustCollector(t, "roles")
	got := c.Summarize(charID, []json.RawMessage{
		raw(`{"roles":["Director"],"roles_at_hq":["Station_Manager","Director"],"roles_at_base":[42, null]}`),
		raw(`[{"name":"CEO","title_id":1},{"name":"Diplomat","title_id":2}]`),
	})

	if got[FieldCorpTitle] != "CEO" {
		t.Errorf("corp_title = %v", got[FieldCorpTitle])
	}
	encoded, ok := got[FieldCorpRoles].(string)
	if !ok {
		t.Fatalf("corp_roles is %T, want JSON string", got[FieldCorpRoles])
	}
	var roles []string
	if err := json.Unmarshal([]byte(encoded), &roles); err != nil {
		t.Fatalf("corp_roles is not JSON: %v", err)
	}
	sort.Strings(roles)
	if want := []string{"Director", "Station_Manager"}; !reflect.DeepEqual(roles, want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
}

func TestSummarize_RolesEmpty(t *testing.T) {
	got := mustCollector(t, "roles").Summarize(charID, []json.RawMessage{raw(`"nope"`), raw(`{}`)})
	want := domain.Fields{FieldCorpRoles: "[]", FieldCorpTitle: ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Summarize() = %#v, want %#v", got, want)
	}
}

func TestSummarize_MissingPayloadsDefault(t *testing.T) {
	for _, c := range All() {
		t.Run(c.Key(), func(t *testing.T) {
			for _, payloads := range [][]json.RawMessage{nil, {nil}, {raw(`not json`)}, {raw(`null`)}} {
				got := c.Summarize(charID, payloads)
				if len(got) == 0 {
					t.Fatalf("no fields for payloads %v", payloads)
				}
				for k, v := range got {
					switch v := v.(type) {
					case int64:
						if v != 0 {
							t.Errorf("%s = %d, want 0", k, v)
						}
					case float64:
						if v != 0 {
							t.Errorf("%s = %v, want 0", k, v)
						}
					case string:
						if v != "" && v != "[]" {
							t.Errorf("%s = %q, want empty", k, v)
						}
					default:
						t.Errorf("%s has unexpected type %T", k, v)
					}
				}
			}
		})
	}
}

func TestSummarize_Deterministic(t *testing.T) {
	c := mustCollector(t, "roles")
	payloads := []json.RawMessage{raw(`{"roles":["b","a","c"],"roles_at_other":["a"]}`), raw(`[]`)}
	first := c.Summarize(charID, payloads)
	for i := 0; i < 20; i++ {
		if got := c.Summarize(charID, payloads); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
}
