package server

import (
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tesar-games/arena-server/internal/battle"
	"github.com/tesar-games/arena-server/internal/reward"
)

// matchView flattens a match into the map shape shared by gRPC responses
// and the spectate feed. Values are limited to what structpb accepts.
func matchView(m *battle.Match) map[string]any {
	players := make([]any, len(m.Players))
	for i, p := range m.Players {
		players[i] = p
	}

	elixir := make([]any, len(m.Elixir))
	for i, v := range m.Elixir {
		elixir[i] = v
	}

	towers := make([]any, len(m.Towers))
	for i, t := range m.Towers {
		towers[i] = map[string]any{
			"index":  i,
			"health": t.Health,
			"x":      t.X,
			"y":      t.Y,
			"owner":  int32(t.Owner),
			"king":   t.IsKing,
		}
	}

	entities := make([]any, len(m.Entities))
	for i, e := range m.Entities {
		entity := entityView(e)
		if e.TargetID != nil {
			entity["target_id"] = *e.TargetID
		}
		entities[i] = entity
	}

	claimed := make([]any, len(m.RewardClaimed))
	for i, c := range m.RewardClaimed {
		claimed[i] = c
	}

	return map[string]any{
		"match_id":         strconv.FormatUint(m.ID, 10),
		"kind":             m.Kind.String(),
		"status":           m.Status.String(),
		"players":          players,
		"tick_count":       strconv.FormatUint(m.TickCount, 10),
		"elixir":           elixir,
		"towers":           towers,
		"entities":         entities,
		"winner":           int32(m.Winner),
		"reward_claimed":   claimed,
		"towers_destroyed": []any{uint32(m.TowersDestroyed[0]), uint32(m.TowersDestroyed[1])},
		"damage_dealt":     []any{m.DamageDealt[0], m.DamageDealt[1]},
		"residency":        m.Residency.String(),
		"version":          strconv.FormatUint(m.Version, 10),
		"created_at":       m.CreatedAt.UTC().Format(time.RFC3339),
		"last_activity":    m.LastActivity.UTC().Format(time.RFC3339),
	}
}

func entityView(e battle.Entity) map[string]any {
	return map[string]any{
		"id":      e.ID,
		"owner":   int32(e.Owner),
		"card_id": uint32(e.CardID),
		"x":       e.X,
		"y":       e.Y,
		"health":  e.Health,
		"damage":  e.Damage,
		"state":   uint32(e.State),
	}
}

func grantView(g *reward.Grant) map[string]any {
	return map[string]any{
		"key":       g.Key,
		"match_id":  strconv.FormatUint(g.MatchID, 10),
		"authority": g.Authority,
		"trophies":  g.Trophies,
		"mmr":       g.MMR,
	}
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(fields)
}
