// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the external language-model capability: summarization for
// the summary tree builder and relevance scoring for recursive search.
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tune a single generation call. Nil fields fall back to
// the client's defaults.
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
	Stop        []string
}

// Client is a chat-completion backend.
type Client interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}
