// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ai asks an OpenAI-compatible endpoint for fix suggestions.
//
// Suggestions are advisory only. Every suggestion is normalized into
// the same Fix schema as catalog entries, then gatekept command-by-
// command by the safety validator; a suggestion that cannot be
// represented structurally is dropped, never repaired. Explanatory text
// is surfaced as recommendation notes without affecting rule-based
// priorities.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/jasonpit/asahi-health-manager/services/healer/config"
	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

const systemPrompt = `You are a Linux system maintenance assistant for Asahi/Arch hosts.
Given JSON-encoded system issues, propose fixes as JSON only:
{"suggestions":[{"issue_id":"...","title":"...","explanation":"...",
"commands":[{"program":"...","args":["..."]}],
"scope_paths":["/absolute/path" or "pkg:name" or "cache:pacman"],
"risk_level":"low|medium|high|critical","reversible":true|false}]}
Rules: one suggestion per issue at most; program and args must be separate
fields, never a shell string; declare every path a command touches in
scope_paths; prefer reversible, narrowly-scoped fixes; omit an issue you
are not confident about.`

// completer is the slice of the OpenAI client the suggester uses,
// extracted so tests can fake responses.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Suggester requests fix suggestions for detected issues.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter is shared across callers so
// the configured requests-per-minute bound holds process-wide.
type Suggester struct {
	client    completer
	model     string
	maxTokens int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewSuggester builds a suggester from configuration. The API key is
// read from the configured environment variable; a missing key is an
// error only when AI is enabled.
func NewSuggester(cfg config.AIConfig, logger *slog.Logger) (*Suggester, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("AI is enabled but %s is not set", cfg.APIKeyEnv)
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 6
	}
	return &Suggester{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:    logger.With("component", "ai.Suggester"),
	}, nil
}

// newSuggesterWithClient is the test seam.
func newSuggesterWithClient(client completer, model string, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger.With("component", "ai.Suggester"),
	}
}

// Suggest asks the model for fixes covering the given issues.
//
// # Outputs
//
//   - fixes: Normalized, schema-valid fixes. Invalid suggestions are
//     logged and dropped, not returned as errors.
//   - notes: Per-issue explanation text, keyed by issue ID, for
//     attachment to recommendations.
//   - err: Transport or decoding failure. The caller treats any error
//     as "no AI input this run".
func (s *Suggester) Suggest(ctx context.Context, issues []*datatypes.SystemIssue) ([]*datatypes.Fix, map[string]string, error) {
	if len(issues) == 0 {
		return nil, nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	payload, err := json.Marshal(issues)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode issues: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.1,
		MaxTokens:   s.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("chat completion returned no choices")
	}
	s.logger.Debug("suggestion response received",
		"model", s.model,
		"duration", time.Since(start),
		"tokens", resp.Usage.TotalTokens)

	var wire struct {
		Suggestions []*datatypes.SuggestedFix `json:"suggestions"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil, nil, fmt.Errorf("failed to decode suggestions: %w", err)
	}

	now := time.Now()
	known := make(map[string]bool, len(issues))
	for _, issue := range issues {
		known[issue.ID] = true
	}

	fixes := make([]*datatypes.Fix, 0, len(wire.Suggestions))
	notes := make(map[string]string, len(wire.Suggestions))
	for _, sg := range wire.Suggestions {
		if sg == nil || !known[sg.IssueID] {
			s.logger.Warn("dropping suggestion for unknown issue", "issue_id", issueID(sg))
			continue
		}
		if sg.Explanation != "" {
			notes[sg.IssueID] = sg.Explanation
		}
		fix, err := datatypes.NormalizeSuggestion(sg, now)
		if err != nil {
			s.logger.Warn("dropping unusable suggestion",
				"issue_id", sg.IssueID,
				"error", err)
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes, notes, nil
}

func issueID(s *datatypes.SuggestedFix) string {
	if s == nil {
		return ""
	}
	return s.IssueID
}
