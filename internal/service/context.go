package service

import (
	"fmt"
	"time"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// ContextVersion is bumped whenever PipelineContext changes shape.
const ContextVersion = 1

type Stage string

const (
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
	StageParse    Stage = "parse"
	StageRank     Stage = "rank"
	StageRefresh  Stage = "refresh"
	StageNotify   Stage = "notify"
)

// Stages is the fixed execution order of a parsing run.
var Stages = []Stage{StageResolve, StageDownload, StageParse, StageRank, StageRefresh, StageNotify}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

type MatchRef struct {
	ID        string   `json:"id" validate:"required"`
	MatchID   int64    `json:"match_id"`
	MatchCode string   `json:"match_code" validate:"required"`
	SteamIDs  []string `json:"steam_ids"`
	Created   bool     `json:"created"`
}

// PipelineContext is the complete state handed from one stage to the next.
// Stages may run on different workers, so nothing outside it survives.
type PipelineContext struct {
	Version        int              `json:"version" validate:"eq=1"`
	MatchCode      string           `json:"match_code" validate:"required"`
	LockKey        string           `json:"lock_key" validate:"required,eqfield=MatchCode"`
	OverwriteRanks bool             `json:"overwrite_ranks"`
	StartedAt      time.Time        `json:"started_at"`
	DemoInfo       *domain.DemoInfo `json:"demo_info,omitempty"`
	DemoFilePath   string           `json:"demo_file_path,omitempty"`
	Match          *MatchRef        `json:"match,omitempty"`
	RankComputed   bool             `json:"rank_computed,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func NewPipelineContext(matchCode string) *PipelineContext {
	return &PipelineContext{
		Version:   ContextVersion,
		MatchCode: matchCode,
		LockKey:   matchCode,
		StartedAt: time.Now().UTC(),
	}
}

// Validate checks that the context carries everything the given stage needs.
func (pc *PipelineContext) Validate(stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidContext, stage)
	}
	if err := validate.Struct(pc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}

	switch stage {
	case StageDownload:
		if pc.DemoInfo == nil {
			return fmt.Errorf("%w: %s stage requires demo info", ErrInvalidContext, stage)
		}
	case StageParse:
		if pc.DemoInfo == nil || pc.DemoFilePath == "" {
			return fmt.Errorf("%w: %s stage requires a downloaded demo", ErrInvalidContext, stage)
		}
	case StageRank, StageRefresh, StageNotify:
		if pc.Match == nil {
			return fmt.Errorf("%w: %s stage requires a parsed match", ErrInvalidContext, stage)
		}
		if pc.Match.MatchCode != pc.MatchCode {
			return fmt.Errorf("%w: match ref belongs to %s", ErrInvalidContext, pc.Match.MatchCode)
		}
		if stage != StageRank && !pc.RankComputed {
			return fmt.Errorf("%w: %s stage requires computed ranks", ErrInvalidContext, stage)
		}
	}
	return nil
}

func (pc *PipelineContext) Marshal() ([]byte, error) {
	return json.Marshal(pc)
}

func UnmarshalPipelineContext(data []byte) (*PipelineContext, error) {
	var pc PipelineContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return &pc, nil
}
