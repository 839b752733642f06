package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"liveclass/constant"
	"liveclass/dto"
	"liveclass/service"
)

type flakySessions struct {
	service.SessionService
	err   error
	calls int
}

func (f *flakySessions) LinkRecording(ctx context.Context, id uuid.UUID, ref string) error {
	f.calls++
	return f.err
}

func delivery(t *testing.T, msg dto.RecordingUploadedMessage) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestRecordingUploadedHandler_Links(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	session := s.live(t)
	if _, err := s.sessions.SetStatus(ctx, session.ID, constant.SessionStatusRecording); err != nil {
		t.Fatal(err)
	}

	deps := ServiceDependencies{SessionService: s.sessions}
	msg := dto.RecordingUploadedMessage{LiveSessionId: session.ID, RecordingUrl: "http://minio.local/recordings/r.webm"}
	if err := RecordingUploadedHandler(ctx, delivery(t, msg), deps); err != nil {
		t.Fatalf("handler: %v", err)
	}

	got, err := s.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != constant.SessionStatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}
	if got.RecordingUrl == nil || *got.RecordingUrl != msg.RecordingUrl {
		t.Errorf("recording url = %v", got.RecordingUrl)
	}
}

func TestRecordingUploadedHandler_DropsPermanentFailures(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	deps := ServiceDependencies{SessionService: s.sessions}

	unknown := dto.RecordingUploadedMessage{LiveSessionId: uuid.New(), RecordingUrl: "http://minio.local/r.webm"}
	if err := RecordingUploadedHandler(ctx, delivery(t, unknown), deps); err != nil {
		t.Errorf("unknown session should be dropped, got %v", err)
	}

	scheduled := s.scheduled(t)
	early := dto.RecordingUploadedMessage{LiveSessionId: scheduled.ID, RecordingUrl: "http://minio.local/r.webm"}
	if err := RecordingUploadedHandler(ctx, delivery(t, early), deps); err != nil {
		t.Errorf("recording for a scheduled session should be dropped, got %v", err)
	}

	if err := RecordingUploadedHandler(ctx, amqp.Delivery{Body: []byte("{not json")}, deps); err != nil {
		t.Errorf("malformed body should be dropped, got %v", err)
	}
}

func TestRecordingUploadedHandler_RetriesTransientFailures(t *testing.T) {
	sessions := &flakySessions{err: errors.New("connection reset")}
	deps := ServiceDependencies{SessionService: sessions}
	msg := dto.RecordingUploadedMessage{LiveSessionId: uuid.New(), RecordingUrl: "http://minio.local/r.webm"}

	if err := RecordingUploadedHandler(context.Background(), delivery(t, msg), deps); err == nil {
		t.Fatal("expected a transient failure to be returned for retry")
	}
	if sessions.calls != 1 {
		t.Errorf("calls = %d, want 1", sessions.calls)
	}
}
