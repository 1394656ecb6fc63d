package services_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"vidax/internal/services"
)

func TestWrapPreservesExistingCode(t *testing.T) {
	inner := services.New(services.CodeGenerationTimeout, "poll exceeded", map[string]any{"prompt_id": "p1"})
	outer := services.Wrap(services.CodeUnknown, "generation phase", fmt.Errorf("wait: %w", inner), map[string]any{"phase": "generation"})

	if outer.Code != services.CodeGenerationTimeout {
		t.Fatalf("expected inner code to win, got %s", outer.Code)
	}
	if !outer.Retryable {
		t.Fatal("expected timeout to be retryable")
	}
	if outer.Details["prompt_id"] != "p1" || outer.Details["phase"] != "generation" {
		t.Fatalf("expected merged details, got %#v", outer.Details)
	}
	if !errors.Is(outer, inner) {
		t.Fatal("expected wrapped error to unwrap to inner")
	}
}

func TestCodeOfUnknownForPlainErrors(t *testing.T) {
	if code := services.CodeOf(errors.New("boom")); code != services.CodeUnknown {
		t.Fatalf("expected unknown, got %s", code)
	}
	if code := services.CodeOf(nil); code != "" {
		t.Fatalf("expected empty code for nil, got %s", code)
	}
}

func TestExitCodeIsTotal(t *testing.T) {
	want := map[services.Code]int{
		services.CodeValidation:                  10,
		services.CodeInputNotFound:               20,
		services.CodeUnsupportedFormat:           20,
		services.CodeGenerationTimeout:           30,
		services.CodeGenerationBadResponse:       30,
		services.CodeGenerationUnavailable:       30,
		services.CodeGenerationMissingCapability: 30,
		services.CodeGenerationPromptFailed:      30,
		services.CodeLipsyncFailed:               40,
		services.CodeCodecFailed:                 50,
		services.CodeOutputWriteFailed:           60,
		services.CodeUnknown:                     70,
	}
	for _, code := range services.Codes {
		got := services.ExitCode(code)
		if got != want[code] {
			t.Fatalf("exit code for %s = %d, want %d", code, got, want[code])
		}
		if status := services.HTTPStatus(code); status < 400 {
			t.Fatalf("http status for %s = %d, want error status", code, status)
		}
	}
	if services.HTTPStatus(services.CodeOutputWriteFailed) != http.StatusConflict {
		t.Fatal("expected conflict for output write failures")
	}
}

func TestResponseRendersPayload(t *testing.T) {
	err := services.New(services.CodeLipsyncFailed, "exit status 3", map[string]any{"provider": "wav2lip"})
	resp := services.Response(err)
	if resp.Code != services.CodeLipsyncFailed || resp.Message != "exit status 3" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Retryable {
		t.Fatal("lipsync failures are not retryable")
	}
	if resp.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if !strings.Contains(err.Error(), "LIPSYNC_FAILED") {
		t.Fatalf("expected code in error string: %q", err.Error())
	}
}
