package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// MatchRecord is the result of a single completed game.
type MatchRecord struct {
	ID          uint64 `gorm:"primaryKey"`
	GameID      uint32 `gorm:"uniqueIndex; not null"`
	HostUserID  uint32 `gorm:"not null"`
	GuestUserID uint32 `gorm:"not null"`
	BlackScore  int
	WhiteScore  int
	// Plies is the value of the turn counter when the game completed.
	Plies       uint32
	Winner      string // "black", "white", or "tie"
	CompletedAt time.Time
}

// WinnerOf names the winning color for a final score, or "tie".
func WinnerOf(blackScore, whiteScore int) string {
	switch {
	case blackScore > whiteScore:
		return "black"
	case whiteScore > blackScore:
		return "white"
	}
	return "tie"
}

// CreateMatchRecord persists the record of a completed game.
func CreateMatchRecord(db *gorm.DB, record *MatchRecord) error {
	return db.Create(record).Error
}

// FindMatchRecordByGameID returns the record for a game id, or nil if the
// game was never recorded.
func FindMatchRecordByGameID(db *gorm.DB, gameID uint32) (*MatchRecord, error) {
	var record MatchRecord
	err := db.Where("game_id = ?", gameID).First(&record).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &record, nil
}

// FindMatchRecordsByUser returns every recorded game in which the user
// played as host or guest.
func FindMatchRecordsByUser(db *gorm.DB, userID uint32) ([]MatchRecord, error) {
	var records []MatchRecord
	err := db.
		Where("host_user_id = ? OR guest_user_id = ?", userID, userID).
		Order("completed_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
