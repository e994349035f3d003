package domain

import (
	"time"
)

type Player struct {
	ID           string
	SteamID      string
	DisplayName  string
	ProfileName  *string
	ProfileURL   *string
	AvatarURL    *string
	Rank         *int
	AvgKD        float64
	GamesPlayed  int
	PlusKDGames  int
	MinusKDGames int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Match struct {
	ID        string
	MatchID   int64
	MatchCode string
	MapName   string
	SteamIDs  []string
	TScore    int
	CTScore   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PlayerMatchStat struct {
	ID        string
	MatchID   string
	PlayerID  string
	Kills     int
	Deaths    int
	Assists   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PlayerRankChange struct {
	ID        string
	MatchID   string
	PlayerID  string
	OldRank   *int
	NewRank   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MatchSource struct {
	ID             string
	SteamID        string
	AuthCode       string
	LastKnownCode  string
	FirstKnownCode *string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ParsingState string

const (
	ParsingNotParsed     ParsingState = "NOT_PARSED"
	ParsingInProgress    ParsingState = "IN_PROGRESS"
	ParsingError         ParsingState = "ERROR"
	ParsingAlreadyParsed ParsingState = "ALREADY_PARSED"
	ParsingSuccess       ParsingState = "SUCCESS"
)

type ParsingTask struct {
	ID           string
	MatchCode    string
	State        ParsingState
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Webhook struct {
	ID               string
	URL              string
	Active           bool
	ExpectedSteamIDs []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type DemoInfo struct {
	MatchCode string  `json:"match_code"`
	MatchID   int64   `json:"match_id"`
	OutcomeID int64   `json:"outcome_id"`
	Token     int64   `json:"token"`
	DemoURL   *string `json:"demo_url,omitempty"`
}

type PlayerProfile struct {
	SteamID     string
	ProfileName string
	ProfileURL  string
	AvatarURL   string
}
