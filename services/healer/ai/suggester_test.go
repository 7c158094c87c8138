// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jasonpit/asahi-health-manager/services/healer/config"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

type fakeCompleter struct {
	content string
	err     error

	gotReq openai.ChatCompletionRequest
	calls  int
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.gotReq = req
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func testIssues() []*datatypes.SystemIssue {
	return []*datatypes.SystemIssue{{
		ID:          "disk-var",
		Category:    "disk_space",
		Severity:    datatypes.SeverityHigh,
		Description: "/var is 92% full",
		DetectedAt:  time.Now().UTC(),
	}}
}

func TestSuggester_Suggest(t *testing.T) {
	ctx := context.Background()

	t.Run("valid suggestion becomes a fix with notes", func(t *testing.T) {
		client := &fakeCompleter{content: `{
			"suggestions": [{
				"issue_id": "disk-var",
				"title": "Vacuum journal logs",
				"explanation": "journald archives dominate /var usage",
				"commands": [{"program": "journalctl", "args": ["--vacuum-size=200M"]}],
				"scope_paths": ["/var/log/journal"],
				"risk_level": "low",
				"reversible": false
			}]
		}`}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		fixes, notes, err := s.Suggest(ctx, testIssues())
		if err != nil {
			t.Fatalf("Suggest: %v", err)
		}
		if len(fixes) != 1 {
			t.Fatalf("len(fixes) = %d, want 1", len(fixes))
		}
		fix := fixes[0]
		if !strings.HasPrefix(fix.ID, "ai-disk-var-") {
			t.Errorf("ID = %q, want ai- prefix bound to the issue", fix.ID)
		}
		if fix.IssueID != "disk-var" || fix.RiskLevel != datatypes.SeverityLow {
			t.Errorf("fix = %+v", fix)
		}
		if fix.Commands[0].Program != "journalctl" {
			t.Errorf("Program = %q", fix.Commands[0].Program)
		}
		if notes["disk-var"] != "journald archives dominate /var usage" {
			t.Errorf("notes = %v", notes)
		}
	})

	t.Run("request shape follows the prompt contract", func(t *testing.T) {
		client := &fakeCompleter{content: `{"suggestions": []}`}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		if _, _, err := s.Suggest(ctx, testIssues()); err != nil {
			t.Fatalf("Suggest: %v", err)
		}
		req := client.gotReq
		if req.Model != "test-model" {
			t.Errorf("Model = %q", req.Model)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
			t.Error("expected JSON-object response format")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
			t.Fatalf("Messages = %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content, "disk-var") {
			t.Error("user message must carry the encoded issues")
		}
	})

	t.Run("suggestion for unknown issue is dropped", func(t *testing.T) {
		client := &fakeCompleter{content: `{
			"suggestions": [{
				"issue_id": "ghost-issue",
				"commands": [{"program": "true"}],
				"scope_paths": ["/tmp"],
				"risk_level": "low"
			}]
		}`}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		fixes, notes, err := s.Suggest(ctx, testIssues())
		if err != nil {
			t.Fatalf("Suggest: %v", err)
		}
		if len(fixes) != 0 || len(notes) != 0 {
			t.Errorf("fixes = %v notes = %v, want both empty", fixes, notes)
		}
	})

	t.Run("collapsed shell string is dropped but notes survive", func(t *testing.T) {
		client := &fakeCompleter{content: `{
			"suggestions": [{
				"issue_id": "disk-var",
				"explanation": "old kernels fill /boot",
				"commands": [{"program": "rm -rf /var/cache/*"}],
				"scope_paths": ["/var/cache"],
				"risk_level": "high"
			}]
		}`}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		fixes, notes, err := s.Suggest(ctx, testIssues())
		if err != nil {
			t.Fatalf("Suggest: %v", err)
		}
		if len(fixes) != 0 {
			t.Errorf("fixes = %v, want shell-string suggestion dropped", fixes)
		}
		if notes["disk-var"] == "" {
			t.Error("explanation should still be usable as a note")
		}
	})

	t.Run("no issues means no request", func(t *testing.T) {
		client := &fakeCompleter{content: `{"suggestions": []}`}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		fixes, notes, err := s.Suggest(ctx, nil)
		if err != nil || fixes != nil || notes != nil {
			t.Fatalf("Suggest = (%v, %v, %v), want all nil", fixes, notes, err)
		}
		if client.calls != 0 {
			t.Error("client must not be called with no issues")
		}
	})

	t.Run("transport failure surfaces as an error", func(t *testing.T) {
		client := &fakeCompleter{err: fmt.Errorf("connection refused")}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		if _, _, err := s.Suggest(ctx, testIssues()); err == nil {
			t.Fatal("expected transport error")
		}
	})

	t.Run("non-JSON content is an error", func(t *testing.T) {
		client := &fakeCompleter{content: "I think you should run pacman -Syu."}
		s := newSuggesterWithClient(client, "test-model", slog.Default())

		if _, _, err := s.Suggest(ctx, testIssues()); err == nil {
			t.Fatal("expected decode error for prose response")
		}
	})
}

func TestNewSuggester(t *testing.T) {
	t.Run("missing API key is an error", func(t *testing.T) {
		t.Setenv("HEALER_TEST_API_KEY", "")
		_, err := NewSuggester(config.AIConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "HEALER_TEST_API_KEY",
		}, slog.Default())
		if err == nil {
			t.Fatal("expected error with unset key")
		}
	})

	t.Run("key present builds a client", func(t *testing.T) {
		t.Setenv("HEALER_TEST_API_KEY", "sk-test")
		s, err := NewSuggester(config.AIConfig{
			Model:             "gpt-4o-mini",
			APIKeyEnv:         "HEALER_TEST_API_KEY",
			RequestsPerMinute: 10,
			MaxTokens:         500,
		}, slog.Default())
		if err != nil {
			t.Fatalf("NewSuggester: %v", err)
		}
		if s.model != "gpt-4o-mini" || s.maxTokens != 500 {
			t.Errorf("suggester = %+v", s)
		}
	})
}
