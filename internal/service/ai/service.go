package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/mivox/chatstream/internal/config"
	"github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/model/chat"
	rtmodel "github.com/mivox/chatstream/internal/model/realtime"
)

const historyLimit = 10

// SessionBroadcaster pushes envelopes to every subscriber of a session;
// implemented by the connection registry.
type SessionBroadcaster interface {
	BroadcastToSession(sessionID string, env rtmodel.Envelope) int
}

// Counters applies message/token counter deltas; implemented by the
// session service.
type Counters interface {
	IncrementCounters(ctx context.Context, id string, messages, tokens int, cost float64) (chat.Session, error)
}

// Service generates assistant replies with the configured chat model and
// streams them to session subscribers through the push transport.
type Service struct {
	chatModel  model.ChatModel
	chain      compose.Runnable[map[string]any, *schema.Message]
	characters character.Store
	repo       chat.Repository
	broadcast  SessionBroadcaster
	counters   Counters
	cfg        config.AIConfig
}

// NewService compiles the prompt/model chain. Fails when the Ark
// credentials are missing; callers treat that as "AI disabled".
func NewService(ctx context.Context, characters character.Store, repo chat.Repository, broadcast SessionBroadcaster, counters Counters, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel:  chatModel,
		chain:      runnable,
		characters: characters,
		repo:       repo,
		broadcast:  broadcast,
		counters:   counters,
		cfg:        cfg,
	}, nil
}

// StreamingEnabled indicates whether replies stream chunk by chunk.
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// ProduceReply generates an assistant reply for the user message and
// fans it out to the session's push subscribers. Errors are delivered to
// subscribers as error envelopes, never returned across the transport.
func (s *Service) ProduceReply(ctx context.Context, sessionID, userID, text string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("[ai] session %s lookup failed: %v", sessionID, err)
		return
	}

	history, err := s.repo.ListMessages(ctx, sessionID, historyLimit)
	if err != nil {
		log.Printf("[ai] history load for session %s failed: %v", sessionID, err)
		return
	}

	input := map[string]any{
		"system":  s.systemPrompt(session.CharacterID),
		"history": buildHistory(history),
		"query":   text,
	}

	content, err := s.dispatch(ctx, sessionID, input)
	if err != nil {
		log.Printf("[ai] generation for session %s failed: %v", sessionID, err)
		s.broadcast.BroadcastToSession(sessionID, rtmodel.NewEnvelope(rtmodel.EnvelopeError, map[string]any{
			"sessionId": sessionID,
			"reason":    "generation failed",
		}))
		return
	}

	s.broadcast.BroadcastToSession(sessionID, rtmodel.NewEnvelope(rtmodel.EnvelopeComplete, map[string]any{
		"sessionId": sessionID,
	}))

	if _, err := s.repo.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		UserID:    userID,
		Sender:    "assistant",
		Content:   content,
	}); err != nil {
		log.Printf("[ai] failed to save assistant message: %v", err)
	}

	if _, err := s.counters.IncrementCounters(ctx, sessionID, 1, len(content)/4+1, 0); err != nil {
		log.Printf("[ai] counter increment for session %s failed: %v", sessionID, err)
	}

	log.Printf("[ai] completed reply for session=%s, length=%d", sessionID, len(content))
}

// dispatch runs the chain in streaming or single-shot mode and pushes
// each piece to the session as a data envelope.
func (s *Service) dispatch(ctx context.Context, sessionID string, input map[string]any) (string, error) {
	if !s.StreamingEnabled() {
		response, err := s.chain.Invoke(ctx, input)
		if err != nil {
			return "", err
		}
		s.broadcast.BroadcastToSession(sessionID, rtmodel.NewEnvelope(rtmodel.EnvelopeData, map[string]any{
			"sessionId": sessionID,
			"sender":    "assistant",
			"content":   response.Content,
			"index":     0,
		}))
		return response.Content, nil
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var content string
	index := 0
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		content += chunk.Content
		s.broadcast.BroadcastToSession(sessionID, rtmodel.NewEnvelope(rtmodel.EnvelopeData, map[string]any{
			"sessionId": sessionID,
			"sender":    "assistant",
			"content":   chunk.Content,
			"index":     index,
		}))
		index++
	}
	return content, nil
}

func buildHistory(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Sender {
		case "user":
			history = append(history, schema.UserMessage(msg.Content))
		case "assistant":
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
