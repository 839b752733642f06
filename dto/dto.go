package dto

import (
	"github.com/google/uuid"
)

type CreateSessionRequest struct {
	CourseId    string  `json:"courseId" validate:"required"`
	TutorId     string  `json:"tutorId" validate:"required"`
	Title       string  `json:"title" validate:"required,max=255"`
	Description *string `json:"description"`
	StartTime   string  `json:"startTime" validate:"required"`
	Duration    int     `json:"duration" validate:"gt=0"`
	RoomId      *string `json:"roomId"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type AttachRecordingRequest struct {
	RecordingUrl string `json:"recordingUrl" binding:"required"`
}

// RecordingUploadedMessage is published once a recording artifact is stored and
// is consumed by the server to link it to the session.
type RecordingUploadedMessage struct {
	LiveSessionId uuid.UUID `json:"liveSessionId"`
	RecordingUrl  string    `json:"recordingUrl"`
}
