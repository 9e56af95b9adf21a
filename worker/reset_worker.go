package worker

import (
	"context"
	"log"
	"time"

	"coldreach/models"

	"gorm.io/gorm"
)

// ResetWorker rolls the per-account day over at UTC midnight: counters back
// to zero, warmup ramp forward one day.
type ResetWorker struct {
	db     *gorm.DB
	logger *log.Logger
}

func NewResetWorker(db *gorm.DB, logger *log.Logger) *ResetWorker {
	return &ResetWorker{db: db, logger: logger}
}

func (rw *ResetWorker) Start(ctx context.Context) {
	rw.logger.Println("Starting daily reset worker...")

	for {
		next := nextMidnightUTC(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			rw.Reset()
		case <-ctx.Done():
			timer.Stop()
			rw.logger.Println("Stopping daily reset worker...")
			return
		}
	}
}

// Reset performs one rollover pass.
func (rw *ResetWorker) Reset() {
	res := rw.db.Model(&models.EmailAccount{}).
		Where("sent_today > ?", 0).
		Update("sent_today", 0)
	if res.Error != nil {
		rw.logger.Printf("Failed to reset daily counters: %v", res.Error)
	} else if res.RowsAffected > 0 {
		rw.logger.Printf("Reset daily counters for %d accounts", res.RowsAffected)
	}

	res = rw.db.Model(&models.EmailAccount{}).
		Where("warmup_enabled = ?", true).
		Update("warmup_day", gorm.Expr("warmup_day + ?", 1))
	if res.Error != nil {
		rw.logger.Printf("Failed to advance warmup days: %v", res.Error)
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
