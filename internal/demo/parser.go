package demo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	demoinfocs "github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs"
	"github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs/common"
	"github.com/markus-wa/demoinfocs-golang/v4/pkg/demoinfocs/events"
)

type MatchInfo struct {
	SteamIDs []string
	TScore   int
	CTScore  int
	MapName  string
}

type PlayerInfo struct {
	SteamID     string
	DisplayName string
}

type PlayerStat struct {
	SteamID string
	Kills   int
	Deaths  int
	Assists int
}

// Demo is the result of parsing one demo file.
type Demo interface {
	Match() MatchInfo
	PlayerInfo(steamID string) PlayerInfo
	Stats() []PlayerStat
}

type Parser interface {
	Parse(ctx context.Context, path string) (Demo, error)
}

type parsedDemo struct {
	match MatchInfo
	names map[string]string
	stats map[string]*PlayerStat
}

func (d *parsedDemo) Match() MatchInfo {
	return d.match
}

func (d *parsedDemo) PlayerInfo(steamID string) PlayerInfo {
	return PlayerInfo{SteamID: steamID, DisplayName: d.names[steamID]}
}

// Stats returns per-player kill/death/assist totals ordered by steam id.
func (d *parsedDemo) Stats() []PlayerStat {
	ids := make([]string, 0, len(d.stats))
	for id := range d.stats {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]PlayerStat, 0, len(ids))
	for _, id := range ids {
		out = append(out, *d.stats[id])
	}
	return out
}

// DemoinfocsParser reads CS2 demos with demoinfocs-golang.
type DemoinfocsParser struct {
	logger zerolog.Logger
}

func NewParser(logger zerolog.Logger) *DemoinfocsParser {
	return &DemoinfocsParser{logger: logger}
}

func (p *DemoinfocsParser) Parse(ctx context.Context, path string) (Demo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open demo: %w", err)
	}
	defer f.Close()

	parser := demoinfocs.NewParser(f)
	defer parser.Close()

	stop := context.AfterFunc(ctx, parser.Cancel)
	defer stop()

	result := &parsedDemo{
		names: make(map[string]string),
		stats: make(map[string]*PlayerStat),
	}
	roster := make(map[string]struct{})

	track := func(pl *common.Player) string {
		if pl == nil || pl.IsBot || pl.SteamID64 == 0 {
			return ""
		}
		id := strconv.FormatUint(pl.SteamID64, 10)
		if pl.Name != "" {
			result.names[id] = pl.Name
		}
		if _, ok := result.stats[id]; !ok {
			result.stats[id] = &PlayerStat{SteamID: id}
		}
		return id
	}
	collectRoster := func() {
		for _, pl := range parser.GameState().Participants().Playing() {
			if id := track(pl); id != "" {
				roster[id] = struct{}{}
			}
		}
	}

	parser.RegisterEventHandler(func(e events.Kill) {
		if id := track(e.Killer); id != "" && e.Killer != e.Victim {
			result.stats[id].Kills++
		}
		if id := track(e.Victim); id != "" {
			result.stats[id].Deaths++
		}
		if id := track(e.Assister); id != "" {
			result.stats[id].Assists++
		}
	})
	parser.RegisterEventHandler(func(events.RoundEnd) {
		collectRoster()
	})

	err = parser.ParseToEnd()
	if err != nil && !errors.Is(err, demoinfocs.ErrUnexpectedEndOfDemo) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DecodeError{Path: path, Err: err}
	}
	if err != nil {
		p.logger.Warn().Str("path", path).Msg("demo ended unexpectedly, using partial data")
	}
	collectRoster()

	for id := range result.stats {
		roster[id] = struct{}{}
	}
	steamIDs := make([]string, 0, len(roster))
	for id := range roster {
		steamIDs = append(steamIDs, id)
	}
	slices.Sort(steamIDs)

	gs := parser.GameState()
	result.match = MatchInfo{
		SteamIDs: steamIDs,
		TScore:   gs.TeamTerrorists().Score(),
		CTScore:  gs.TeamCounterTerrorists().Score(),
		MapName:  parser.Header().MapName,
	}
	if result.match.MapName == "" {
		result.match.MapName = "unknown"
	}

	p.logger.Debug().
		Str("path", path).
		Str("map", result.match.MapName).
		Int("players", len(steamIDs)).
		Int("t_score", result.match.TScore).
		Int("ct_score", result.match.CTScore).
		Msg("demo parsed")

	return result, nil
}
