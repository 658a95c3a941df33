package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func TestModelChecker(t *testing.T) {
	t.Parallel()

	const model = "gpt-4o-realtime-preview-2024-10-01"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/models/"+model) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"no such model","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + model + `","object":"model","created":1,"owned_by":"system"}`))
	}))
	t.Cleanup(srv.Close)

	newClient := func(key string) oai.Client {
		return oai.NewClient(
			option.WithAPIKey(key),
			option.WithBaseURL(srv.URL+"/v1/"),
			option.WithMaxRetries(0),
		)
	}

	tests := []struct {
		name    string
		key     string
		model   string
		wantErr bool
	}{
		{name: "visible model", key: "sk-test", model: model},
		{name: "bad key", key: "sk-wrong", model: model, wantErr: true},
		{name: "unknown model", key: "sk-test", model: "gpt-nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := newClient(tt.key)
			c := ModelChecker(&client.Models, tt.model)
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
