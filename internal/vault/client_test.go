package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecodeCredentials(t *testing.T) {
	creds, err := decodeCredentials(map[string]any{
		"username": "v-backup-abc",
		"password": "s3cret",
		"extra":    "ignored",
	})
	if err != nil {
		t.Fatalf("decodeCredentials: %v", err)
	}
	if creds.Username != "v-backup-abc" || creds.Password != "s3cret" {
		t.Errorf("creds = %+v", creds)
	}

	if _, err := decodeCredentials(map[string]any{"username": "only"}); err == nil {
		t.Error("expected error when password is missing")
	}
}

func TestGetDynamicCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/database/creds/backup" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"lease_duration": 3600,
			"data": map[string]any{
				"username": "v-backup-abc",
				"password": "s3cret",
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), WithAddress(srv.URL), WithToken("root"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	creds, err := client.GetDynamicCredentials(context.Background(), "database/creds/backup")
	if err != nil {
		t.Fatalf("GetDynamicCredentials: %v", err)
	}
	if creds.Username != "v-backup-abc" || creds.TTL != time.Hour {
		t.Errorf("creds = %+v", creds)
	}

	_, err = client.GetDynamicCredentials(context.Background(), "database/creds/missing")
	if !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret for 404, got %v", err)
	}
}
