// Package oracle 可验证公平的抛硬币
//
// 结果 = sha256(blockHash + gameID) 的首字节奇偶：偶数为 A (heads)，奇数为 B (tails)。
// 区块哈希在对赌被接受后才从链上取得，双方都无法提前预测；任何人可用 (blockHash, gameID) 复算。
package oracle

import (
	"crypto/sha256"
	"strings"

	"github.com/google/uuid"

	"github.com/eidos-exchange/eidos-escrow/internal/model"
)

// Flip 根据区块哈希与对局 ID 计算结果
func Flip(blockHash, gameID string) model.Side {
	sum := sha256.Sum256([]byte(blockHash + gameID))
	if sum[0]%2 == 0 {
		return model.SideA
	}
	return model.SideB
}

// Verify 复算结果并与记录比较
func Verify(game *model.Game) bool {
	if game == nil || game.BlockHash == "" || game.ID == "" || !game.Result.Valid() {
		return false
	}
	return Flip(game.BlockHash, game.ID) == game.Result
}

// Verification 生成公开校验视图
func Verification(game *model.Game) *model.OutcomeVerification {
	recomputed := Flip(game.BlockHash, game.ID)
	return &model.OutcomeVerification{
		WagerID:          game.WagerID,
		GameID:           game.ID,
		BlockHash:        game.BlockHash,
		Result:           game.Result.String(),
		RecomputedResult: recomputed.String(),
		Verified:         game.BlockHash != "" && game.Result.Valid() && recomputed == game.Result,
	}
}

// NewGameID 生成对局 ID
func NewGameID() string {
	return "game_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
