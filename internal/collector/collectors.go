package collector

import (
	"encoding/json"
	"sort"

	"github.com/maferick/corpaudit/internal/domain"
)

// Field names written to the audit record.
const (
	FieldAssetsCount          = "assets_count"
	FieldHomeStationID        = "home_station_id"
	FieldJumpCloneLocationID  = "jump_clone_location_id"
	FieldDeathCloneLocationID = "death_clone_location_id"
	FieldLocationSystemID     = "location_system_id"
	FieldCorpRoles            = "corp_roles"
	FieldCorpTitle            = "corp_title"
	FieldShipTypeID           = "ship_type_id"
	FieldShipName             = "ship_name"
	FieldSkillQueueCount      = "skill_queue_count"
	FieldTotalSkillpoints     = "total_skillpoints"
	FieldWalletBalance        = "wallet_balance"
)

var registry = []collector{
	{
		key:    "assets",
		scopes: []string{"esi-assets.read_assets.v1"},
		paths:  []string{"/characters/%d/assets/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			return domain.Fields{FieldAssetsCount: int64(len(asArray(decode(p[0]))))}
		},
	},
	{
		key:    "clones",
		scopes: []string{"esi-clones.read_clones.v1"},
		paths:  []string{"/characters/%d/clones/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			obj := asObject(decode(p[0]))
			var jumpLocation int64
			if clones := asArray(obj["jump_clones"]); len(clones) > 0 {
				jumpLocation = intField(asObject(clones[0]), "location_id")
			}
			return domain.Fields{
				FieldHomeStationID:        intField(asObject(obj["home_location"]), "location_id"),
				FieldJumpCloneLocationID:  jumpLocation,
				FieldDeathCloneLocationID: int64(0),
			}
		},
	},
	{
		key:    "location",
		scopes: []string{"esi-location.read_location.v1"},
		paths:  []string{"/characters/%d/location/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			return domain.Fields{FieldLocationSystemID: intField(asObject(decode(p[0])), "solar_system_id")}
		},
	},
	{
		key:    "roles",
		scopes: []string{"esi-characters.read_corporation_roles.v1", "esi-characters.read_titles.v1"},
		paths:  []string{"/characters/%d/roles/", "/characters/%d/titles/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			roles := asObject(decode(p[0]))
			seen := map[string]bool{}
			for _, k := range []string{"roles", "roles_at_base", "roles_at_hq", "roles_at_other"} {
				for _, r := range stringArray(roles[k]) {
					seen[r] = true
				}
			}
			union := make([]string, 0, len(seen))
			for r := range seen {
				union = append(union, r)
			}
			sort.Strings(union)
			encoded, _ := json.Marshal(union)

			var title string
			if titles := asArray(decode(p[1])); len(titles) > 0 {
				title = stringField(asObject(titles[0]), "name")
			}
			return domain.Fields{
				FieldCorpRoles: string(encoded),
				FieldCorpTitle: title,
			}
		},
	},
	{
		key:    "ship",
		scopes: []string{"esi-location.read_ship_type.v1"},
		paths:  []string{"/characters/%d/ship/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			obj := asObject(decode(p[0]))
			return domain.Fields{
				FieldShipTypeID: intField(obj, "ship_type_id"),
				FieldShipName:   stringField(obj, "ship_name"),
			}
		},
	},
	{
		key:    "skillqueue",
		scopes: []string{"esi-skills.read_skillqueue.v1"},
		paths:  []string{"/characters/%d/skillqueue/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			return domain.Fields{FieldSkillQueueCount: int64(len(asArray(decode(p[0]))))}
		},
	},
	{
		// The skill queue is fetched alongside but not reduced here.
		key:    "skills",
		scopes: []string{"esi-skills.read_skills.v1", "esi-skills.read_skillqueue.v1"},
		paths:  []string{"/characters/%d/skills/", "/characters/%d/skillqueue/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			return domain.Fields{FieldTotalSkillpoints: intField(asObject(decode(p[0])), "total_sp")}
		},
	},
	{
		key:    "wallet",
		scopes: []string{"esi-wallet.read_character_wallet.v1"},
		paths:  []string{"/characters/%d/wallet/"},
		summarize: func(p []json.RawMessage) domain.Fields {
			return domain.Fields{FieldWalletBalance: asFloat(decode(p[0]))}
		},
	},
}
