package constants

import "time"

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RequestTimeout     = 30 * time.Second
	StageTimeout       = 10 * time.Minute
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
	DBBatchSize       = 100
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	// Steam Web API accepts at most this many ids per GetPlayerSummaries call.
	ProfileBatchSize = 100

	// Returned by GetNextMatchSharingCode when the history is exhausted.
	NoMoreMatchCodes   = "n/a"
	SemaphoreMinKeyTTL = 5 * time.Second

	MaxCodesPerSourcePoll = 500
)

const (
	SteamSemaphoreKey = "steam_api_semaphore"

	// NATS stream names may not contain dots.
	PipelineTopicPrefix = "pipeline_"
	PoisonTopic         = "pipeline_poison"
)
