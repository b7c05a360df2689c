package ai

import (
	"fmt"
	"strings"
)

const defaultSystemPrompt = "You are a helpful, attentive conversation partner. Keep replies concise and grounded in the conversation so far."

// systemPrompt renders the character's attributes into a system prompt,
// falling back to a neutral assistant when the session has no character.
func (s *Service) systemPrompt(characterID string) string {
	if characterID == "" || s.characters == nil {
		return defaultSystemPrompt
	}

	c, ok := s.characters.FindByID(characterID)
	if !ok {
		return defaultSystemPrompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s.\n\n", c.Name, c.Title)
	if c.Description != "" {
		fmt.Fprintf(&b, "Background: %s\n", c.Description)
	}
	fmt.Fprintf(&b, "Tone: %s\n", c.Tone)
	if len(c.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s\n", strings.Join(c.Traits, ", "))
	}
	if c.PromptHint != "" {
		fmt.Fprintf(&b, "\nGuidance: %s\n", c.PromptHint)
	}
	b.WriteString("\nStay in character throughout the conversation and keep continuity with the history provided.")
	return b.String()
}
