package service

import (
	"testing"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineContextValidate(t *testing.T) {
	pc := NewPipelineContext(testCode)
	require.NoError(t, pc.Validate(StageResolve))
	assert.ErrorIs(t, pc.Validate(StageDownload), ErrInvalidContext)

	pc.DemoInfo = &domain.DemoInfo{MatchCode: testCode, MatchID: testMatch, DemoURL: ptr(testDemo)}
	require.NoError(t, pc.Validate(StageDownload))
	assert.ErrorIs(t, pc.Validate(StageParse), ErrInvalidContext)

	pc.DemoFilePath = "/tmp/x.dem"
	require.NoError(t, pc.Validate(StageParse))
	assert.ErrorIs(t, pc.Validate(StageRank), ErrInvalidContext)

	pc.Match = &MatchRef{MatchID: testMatch, MatchCode: testCode}
	assert.ErrorIs(t, pc.Validate(StageRank), ErrInvalidContext, "match ref without id")
	pc.Match.ID = "m1"
	require.NoError(t, pc.Validate(StageRank))

	pc.Match.MatchCode = "CSGO-ZZZZZ-BBBBB-CCCCC-DDDDD-EEEEE"
	assert.ErrorIs(t, pc.Validate(StageRank), ErrInvalidContext, "match ref of another code")
	pc.Match.MatchCode = testCode

	assert.ErrorIs(t, pc.Validate(StageRefresh), ErrInvalidContext, "ranks not computed")
	assert.ErrorIs(t, pc.Validate(StageNotify), ErrInvalidContext, "ranks not computed")
	pc.RankComputed = true
	require.NoError(t, pc.Validate(StageRefresh))
	require.NoError(t, pc.Validate(StageNotify))

	assert.ErrorIs(t, pc.Validate("unknown"), ErrInvalidContext)

	pc.LockKey = "CSGO-ZZZZZ-BBBBB-CCCCC-DDDDD-EEEEE"
	assert.ErrorIs(t, pc.Validate(StageNotify), ErrInvalidContext, "lock key of another code")
}

func TestPipelineContextSurvivesTransport(t *testing.T) {
	pc := NewPipelineContext(testCode)
	pc.DemoInfo = &domain.DemoInfo{MatchCode: testCode, MatchID: testMatch, DemoURL: ptr(testDemo)}
	pc.Match = &MatchRef{ID: "m1", MatchID: testMatch, MatchCode: testCode, SteamIDs: []string{steamA}, Created: true}
	pc.RankComputed = true

	raw, err := pc.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalPipelineContext(raw)
	require.NoError(t, err)

	assert.Equal(t, pc.Match, decoded.Match)
	assert.True(t, decoded.RankComputed)
	assert.Equal(t, *pc.DemoInfo.DemoURL, *decoded.DemoInfo.DemoURL)
	assert.True(t, pc.StartedAt.Equal(decoded.StartedAt))

	_, err = UnmarshalPipelineContext([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidContext)
}
