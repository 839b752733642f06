package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"liveclass/constant"
)

type LiveSession struct {
	ID           uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	CourseId     string                 `json:"course_id" gorm:"type:text;not null;index:idx_live_sessions_course_start,priority:1"`
	TutorId      string                 `json:"tutor_id" gorm:"type:text;not null;index:idx_live_sessions_tutor_id"`
	Title        string                 `json:"title" gorm:"type:text;not null"`
	Description  *string                `json:"description" gorm:"type:text"`
	StartTime    time.Time              `json:"start_time" gorm:"not null;index:idx_live_sessions_course_start,priority:2"`
	Duration     int                    `json:"duration" gorm:"type:integer;not null"`
	Status       constant.SessionStatus `json:"status" gorm:"type:varchar(20);not null;default:'scheduled';index:idx_live_sessions_status"`
	RoomId       *string                `json:"room_id" gorm:"type:text"`
	RecordingUrl *string                `json:"recording_url" gorm:"type:text"`
	CreatedAt    time.Time              `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time              `json:"updated_at" gorm:"not null"`

	// Observed from presence, never stored.
	ParticipantCount int `json:"participant_count" gorm:"-"`
}

func (LiveSession) TableName() string {
	return "live_sessions"
}

func (s *LiveSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// EndTime is the informational end of the scheduled slot.
func (s *LiveSession) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.Duration) * time.Minute)
}
