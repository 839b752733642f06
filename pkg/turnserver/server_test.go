package turnserver

import (
	"context"
	"strings"
	"testing"
)

func TestStart_AdvertisesICEServer(t *testing.T) {
	srv, err := Start(context.Background(), Config{
		PublicIP:      "127.0.0.1",
		ListenAddress: "127.0.0.1",
		Port:          0,
		Realm:         "liveclass",
		Username:      "class",
		Password:      "secret",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	if srv.Port() == 0 {
		t.Fatal("expected an assigned port")
	}
	ice := srv.ICEServer()
	if len(ice.URLs) != 1 || !strings.HasPrefix(ice.URLs[0], "turn:127.0.0.1:") {
		t.Errorf("urls = %v", ice.URLs)
	}
	if ice.Username != "class" || ice.Credential != "secret" {
		t.Errorf("credentials = %s/%v", ice.Username, ice.Credential)
	}
}

func TestStart_RejectsBadConfig(t *testing.T) {
	if _, err := Start(context.Background(), Config{PublicIP: "not-an-ip", Username: "u", Password: "p"}); err == nil {
		t.Error("expected an error for an invalid public ip")
	}
	if _, err := Start(context.Background(), Config{PublicIP: "127.0.0.1"}); err == nil {
		t.Error("expected an error without credentials")
	}
}
