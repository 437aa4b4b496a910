package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

var (
	ErrGameNotFound = errors.New("game not found")
	ErrGameExists   = errors.New("game already exists for wager")
)

// GameRepository 对赌结果仓储，记录只写一次
type GameRepository interface {
	Create(ctx context.Context, game *model.Game) error
	GetByID(ctx context.Context, id string) (*model.Game, error)
	GetByWagerID(ctx context.Context, wagerID string) (*model.Game, error)
}

type gameRepository struct {
	*Repository
}

// NewGameRepository 创建结果仓储
func NewGameRepository(db *gorm.DB) GameRepository {
	return &gameRepository{Repository: NewRepository(db)}
}

func (r *gameRepository) Create(ctx context.Context, game *model.Game) error {
	game.CreatedAt = time.Now().UnixMilli()
	err := r.DB(ctx).Create(game).Error
	if isDuplicateKeyError(err) {
		return ErrGameExists
	}
	return err
}

func (r *gameRepository) GetByID(ctx context.Context, id string) (*model.Game, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *gameRepository) GetByWagerID(ctx context.Context, wagerID string) (*model.Game, error) {
	return r.first(ctx, "wager_id = ?", wagerID)
}

func (r *gameRepository) first(ctx context.Context, cond string, arg interface{}) (*model.Game, error) {
	var game model.Game
	err := r.DB(ctx).Where(cond, arg).First(&game).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	return &game, nil
}
