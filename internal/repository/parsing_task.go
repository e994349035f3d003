package repository

import (
	"context"
	"database/sql"

	"github.com/pivo-v-banke/pvb-cs2-core/internal/domain"

	"github.com/rs/zerolog"
)

type ParsingTaskRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewParsingTaskRepository(sqlDB *sql.DB, logger zerolog.Logger) *ParsingTaskRepository {
	return &ParsingTaskRepository{
		db:     sqlDB,
		logger: logger,
	}
}

func (r *ParsingTaskRepository) GetByMatchCode(ctx context.Context, matchCode string) (*domain.ParsingTask, error) {
	var (
		t      domain.ParsingTask
		state  string
		errMsg sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, match_code, state, error_message, created_at, updated_at FROM parsing_tasks WHERE match_code = $1",
		matchCode,
	).Scan(&t.ID, &t.MatchCode, &state, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.State = domain.ParsingState(state)
	t.ErrorMessage = stringPtr(errMsg)
	return &t, nil
}

// SetState records the parsing state of a match code, creating the record on
// first use.
func (r *ParsingTaskRepository) SetState(ctx context.Context, matchCode string, state domain.ParsingState, errMsg *string) error {
	_, _, err := createOrUpdate(ctx, r.db, "parsing_tasks",
		[]Field{{"match_code", matchCode}},
		[]Field{{"state", string(state)}, {"error_message", nullString(errMsg)}},
	)
	return err
}
