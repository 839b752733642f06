package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"liveclass/constant"
	"liveclass/dto"
	"liveclass/entities"
	"liveclass/repository"
)

// openSessionTestDB creates an in-memory SQLite registry.
func openSessionTestDB(t *testing.T) SessionService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Every new connection to :memory: is a fresh database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&entities.LiveSession{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return NewSessionService(repository.NewRepoWithDB(db))
}

func algebraRequest() dto.CreateSessionRequest {
	return dto.CreateSessionRequest{
		CourseId:  "c1",
		TutorId:   "t1",
		Title:     "Algebra",
		StartTime: "2025-01-01T10:00:00Z",
		Duration:  60,
	}
}

func createSession(t *testing.T, svc SessionService, req dto.CreateSessionRequest) *entities.LiveSession {
	t.Helper()
	session, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return session
}

// moveTo drives a fresh session along allowed transitions to status.
func moveTo(t *testing.T, svc SessionService, id uuid.UUID, status constant.SessionStatus) {
	t.Helper()
	paths := map[constant.SessionStatus][]constant.SessionStatus{
		constant.SessionStatusScheduled: nil,
		constant.SessionStatusLive:      {constant.SessionStatusLive},
		constant.SessionStatusRecording: {constant.SessionStatusLive, constant.SessionStatusRecording},
		constant.SessionStatusEnded:     {constant.SessionStatusLive, constant.SessionStatusEnded},
	}
	for _, next := range paths[status] {
		if _, err := svc.SetStatus(context.Background(), id, next); err != nil {
			t.Fatalf("SetStatus %s: %v", next, err)
		}
	}
}

func TestCreate_Scheduled(t *testing.T) {
	svc := openSessionTestDB(t)
	session := createSession(t, svc, algebraRequest())

	if session.Status != constant.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", session.Status)
	}
	want := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	if !session.StartTime.Equal(want) {
		t.Errorf("start time = %v, want %v", session.StartTime, want)
	}
	if got := session.EndTime(); !got.Equal(want.Add(time.Hour)) {
		t.Errorf("end time = %v", got)
	}
	if session.RecordingUrl != nil {
		t.Error("a new session must not have a recording")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := openSessionTestDB(t)
	cases := map[string]func(r *dto.CreateSessionRequest){
		"missing course":   func(r *dto.CreateSessionRequest) { r.CourseId = "" },
		"missing tutor":    func(r *dto.CreateSessionRequest) { r.TutorId = "" },
		"blank title":      func(r *dto.CreateSessionRequest) { r.Title = "   " },
		"zero duration":    func(r *dto.CreateSessionRequest) { r.Duration = 0 },
		"bad start time":   func(r *dto.CreateSessionRequest) { r.StartTime = "tomorrow" },
		"missing start":    func(r *dto.CreateSessionRequest) { r.StartTime = "" },
		"negative minutes": func(r *dto.CreateSessionRequest) { r.Duration = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := algebraRequest()
			mutate(&req)
			if _, err := svc.Create(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := openSessionTestDB(t)
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListForCourse_OrderedByStartTime(t *testing.T) {
	svc := openSessionTestDB(t)
	for _, start := range []string{"2025-01-03T10:00:00Z", "2025-01-01T10:00:00Z", "2025-01-02T10:00:00Z"} {
		req := algebraRequest()
		req.StartTime = start
		createSession(t, svc, req)
	}
	other := algebraRequest()
	other.CourseId = "c2"
	createSession(t, svc, other)

	sessions, err := svc.ListForCourse(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListForCourse: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	for i := 1; i < len(sessions); i++ {
		if sessions[i].StartTime.Before(sessions[i-1].StartTime) {
			t.Errorf("session %d starts before session %d", i, i-1)
		}
	}

	if _, err := svc.ListForCourse(context.Background(), ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for an empty course id, got %v", err)
	}
}

func TestSetStatus_TransitionMatrix(t *testing.T) {
	statuses := []constant.SessionStatus{
		constant.SessionStatusScheduled,
		constant.SessionStatusLive,
		constant.SessionStatusRecording,
		constant.SessionStatusEnded,
	}
	allowed := map[[2]constant.SessionStatus]bool{
		{constant.SessionStatusScheduled, constant.SessionStatusLive}: true,
		{constant.SessionStatusLive, constant.SessionStatusEnded}:     true,
		{constant.SessionStatusLive, constant.SessionStatusRecording}: true,
		{constant.SessionStatusRecording, constant.SessionStatusEnded}: true,
	}

	svc := openSessionTestDB(t)
	for _, from := range statuses {
		for _, to := range statuses {
			name := from.String() + "->" + to.String()
			t.Run(name, func(t *testing.T) {
				session := createSession(t, svc, algebraRequest())
				moveTo(t, svc, session.ID, from)

				updated, err := svc.SetStatus(context.Background(), session.ID, to)
				if allowed[[2]constant.SessionStatus{from, to}] {
					if err != nil {
						t.Fatalf("expected success, got %v", err)
					}
					if updated.Status != to {
						t.Fatalf("status = %s, want %s", updated.Status, to)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				current, err := svc.Get(context.Background(), session.ID)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if current.Status != from {
					t.Fatalf("rejected transition changed status to %s", current.Status)
				}
			})
		}
	}
}

func TestSetStatus_UnknownStatus(t *testing.T) {
	svc := openSessionTestDB(t)
	session := createSession(t, svc, algebraRequest())
	if _, err := svc.SetStatus(context.Background(), session.ID, "paused"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAttachRecording_OnlyAfterLive(t *testing.T) {
	svc := openSessionTestDB(t)
	ctx := context.Background()
	cases := map[constant.SessionStatus]bool{
		constant.SessionStatusScheduled: false,
		constant.SessionStatusLive:      false,
		constant.SessionStatusRecording: true,
		constant.SessionStatusEnded:     true,
	}
	for status, ok := range cases {
		t.Run(status.String(), func(t *testing.T) {
			session := createSession(t, svc, algebraRequest())
			moveTo(t, svc, session.ID, status)

			updated, err := svc.AttachRecording(ctx, session.ID, "http://minio/recordings/r.webm")
			if !ok {
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("expected ErrInvalidState, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AttachRecording: %v", err)
			}
			if updated.RecordingUrl == nil || *updated.RecordingUrl != "http://minio/recordings/r.webm" {
				t.Fatalf("recording url = %v", updated.RecordingUrl)
			}
			if updated.Status != status {
				t.Errorf("attach changed status to %s", updated.Status)
			}
		})
	}
}

func TestLinkRecording_EndsRecordingSession(t *testing.T) {
	svc := openSessionTestDB(t)
	ctx := context.Background()
	session := createSession(t, svc, algebraRequest())
	moveTo(t, svc, session.ID, constant.SessionStatusRecording)

	if err := svc.LinkRecording(ctx, session.ID, "http://minio/recordings/r.webm"); err != nil {
		t.Fatalf("LinkRecording: %v", err)
	}
	got, err := svc.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != constant.SessionStatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}
	if got.RecordingUrl == nil {
		t.Error("recording url not set")
	}
}

func TestRevertStart(t *testing.T) {
	svc := openSessionTestDB(t)
	ctx := context.Background()
	session := createSession(t, svc, algebraRequest())

	if _, err := svc.RevertStart(ctx, session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("revert of a scheduled session: expected ErrInvalidTransition, got %v", err)
	}
	moveTo(t, svc, session.ID, constant.SessionStatusLive)
	reverted, err := svc.RevertStart(ctx, session.ID)
	if err != nil {
		t.Fatalf("RevertStart: %v", err)
	}
	if reverted.Status != constant.SessionStatusScheduled {
		t.Errorf("status = %s, want scheduled", reverted.Status)
	}
}
