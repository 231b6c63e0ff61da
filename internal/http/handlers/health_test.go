package handlers

import (
	"context"
	"testing"
)

type staticHelperStatus bool

func (s staticHelperStatus) Connected() bool { return bool(s) }

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", output.Body.Status)
	}

	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", output.Body.Version)
	}

	if output.Body.Uptime == "" {
		t.Error("expected non-empty uptime")
	}

	if output.Body.CPUInfo.Cores == 0 {
		t.Error("expected non-zero CPU cores")
	}

	if output.Body.Components.Database.Status != "unknown" {
		t.Errorf("expected database status 'unknown' without a db, got '%s'", output.Body.Components.Database.Status)
	}

	if output.Body.Components.Helper.Status != "unknown" {
		t.Errorf("expected helper status 'unknown' without a client, got '%s'", output.Body.Components.Helper.Status)
	}
}

func TestHealthHandler_HelperConnectivity(t *testing.T) {
	handler := NewHealthHandler("1.0.0").WithHelper(staticHelperStatus(true))

	output, err := handler.GetHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Components.Helper.Status != "ok" {
		t.Errorf("expected helper status 'ok', got '%s'", output.Body.Components.Helper.Status)
	}
	if !output.Body.Components.Helper.Connected {
		t.Error("expected helper to report connected")
	}

	handler = NewHealthHandler("1.0.0").WithHelper(staticHelperStatus(false))
	output, err = handler.GetHealth(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Body.Components.Helper.Status != "disconnected" {
		t.Errorf("expected helper status 'disconnected', got '%s'", output.Body.Components.Helper.Status)
	}
}
