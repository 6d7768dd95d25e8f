package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

func TestWriteErrorIncludesTraceAndDetails(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	rec := httptest.NewRecorder()

	err := NewError("coupon_rejected", "coupon\nrejected", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"reason": "expired", "status": "ignored"})
	WriteError(ctx, rec, err)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "coupon_rejected" || payload["message"] != "coupon rejected" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["reason"] != "expired" || payload["trace_id"] != "trace-1" {
		t.Fatalf("expected details and trace id, got %v", payload)
	}
	if payload["status"] != float64(http.StatusUnprocessableEntity) {
		t.Fatalf("details must not override status, got %v", payload["status"])
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"name":"ok"}`},
		{name: "empty", payload: ``, wantErr: true},
		{name: "unknown field", payload: `{"name":"ok","extra":1}`, wantErr: true},
		{name: "trailing", payload: `{"name":"ok"}{"name":"again"}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.payload))
			var dst body
			err := DecodeJSON(req, &dst)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidBody) {
					t.Fatalf("expected ErrInvalidBody, got %v", err)
				}
				return
			}
			if err != nil || dst.Name != "ok" {
				t.Fatalf("unexpected decode result %+v err %v", dst, err)
			}
		})
	}
}
