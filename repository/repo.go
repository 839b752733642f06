package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"liveclass/constant"
	"liveclass/entities"
)

var ErrSessionNotFound = errors.New("live session not found")

type SessionRepository interface {
	Transaction(ctx context.Context, callback func(ctx context.Context, repo SessionRepository) error, opts ...*sql.TxOptions) error
	GetDB() *gorm.DB
	CreateSession(ctx context.Context, session *entities.LiveSession) error
	FindSessionById(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error)
	ListSessionsByCourse(ctx context.Context, courseId string) ([]*entities.LiveSession, error)
	// CompareAndSwapStatus moves the session from one status to another only if
	// it is still in the expected status. It reports whether a row changed.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to constant.SessionStatus) (bool, error)
	UpdateRecordingUrl(ctx context.Context, id uuid.UUID, url string, allowed []constant.SessionStatus) (bool, error)
	UpdateRoomId(ctx context.Context, id uuid.UUID, roomId string) error
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB, debug bool) (SessionRepository, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(level),
		},
	)
	if err != nil {
		return nil, err
	}
	return NewRepoWithDB(gormDB), nil
}

func NewRepoWithDB(db *gorm.DB) SessionRepository {
	return &repo{
		db: db,
	}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context, repo SessionRepository) error, opts ...*sql.TxOptions) error {
	return r.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(ctx, &repo{db: tx})
	}, opts...)
}

func (r *repo) CreateSession(ctx context.Context, session *entities.LiveSession) error {
	return r.GetDB().WithContext(ctx).Create(session).Error
}

func (r *repo) FindSessionById(ctx context.Context, id uuid.UUID) (*entities.LiveSession, error) {
	session := &entities.LiveSession{}
	err := r.GetDB().WithContext(ctx).First(session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return session, nil
}

func (r *repo) ListSessionsByCourse(ctx context.Context, courseId string) ([]*entities.LiveSession, error) {
	var sessions []*entities.LiveSession
	err := r.GetDB().WithContext(ctx).Where("course_id = ?", courseId).Order("start_time ASC").Order("id ASC").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, from, to constant.SessionStatus) (bool, error) {
	result := r.GetDB().WithContext(ctx).Model(&entities.LiveSession{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateRecordingUrl(ctx context.Context, id uuid.UUID, url string, allowed []constant.SessionStatus) (bool, error) {
	result := r.GetDB().WithContext(ctx).Model(&entities.LiveSession{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]interface{}{
			"recording_url": url,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateRoomId(ctx context.Context, id uuid.UUID, roomId string) error {
	return r.GetDB().WithContext(ctx).Model(&entities.LiveSession{}).
		Where("id = ?", id).
		Update("room_id", roomId).Error
}
