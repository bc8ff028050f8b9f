package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/backoffice/internal/activity/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

// messageSource reads billable events from the messages table.
type messageSource struct {
	db *gorm.DB
}

func Provide(p Params) domain.EventSource {
	return &messageSource{db: p.DB}
}

type eventRow struct {
	SubjectID         int64     `gorm:"column:subject_id"`
	Email             string    `gorm:"column:email"`
	Name              string    `gorm:"column:name"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	NeedsManualReview bool      `gorm:"column:needs_manual_review"`
	ReviewReason      *string   `gorm:"column:review_reason"`
}

func (s *messageSource) EventsBetween(ctx context.Context, start, end time.Time, subjectID *snowflake.ID) ([]domain.Event, error) {
	stmt := s.db.WithContext(ctx).
		Table("messages AS m").
		Select(`m.sender_id AS subject_id, u.email, u.name, m.created_at,
			m.needs_manual_review, m.review_reason`).
		Joins("JOIN users AS u ON u.id = m.sender_id").
		Where("u.role = ?", RoleClient).
		Where("m.created_at >= ? AND m.created_at < ?", start.UTC(), end.UTC())
	if subjectID != nil {
		stmt = stmt.Where("m.sender_id = ?", int64(*subjectID))
	}

	var rows []eventRow
	if err := stmt.Order("m.created_at ASC, m.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		ev := domain.Event{
			SubjectID:      snowflake.ID(row.SubjectID),
			SubjectEmail:   row.Email,
			SubjectName:    row.Name,
			Timestamp:      row.CreatedAt.UTC(),
			IsManualReview: row.NeedsManualReview,
		}
		if row.ReviewReason != nil {
			ev.ReviewReason = *row.ReviewReason
		}
		events = append(events, ev)
	}
	return events, nil
}
