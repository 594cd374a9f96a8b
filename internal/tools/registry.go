package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront-agent/internal/domain"
	"storefront-agent/internal/usecase"
)

const defaultTopK = 5

type tool struct {
	info ToolInfo
	run  func(ctx context.Context, args json.RawMessage) (string, error)
}

type keyArgs struct {
	Key string `json:"key" validate:"required,max=128"`
}

type setFlagArgs struct {
	Key   string `json:"key" validate:"required,max=128"`
	Value string `json:"value" validate:"max=16384"`
}

type queryArgs struct {
	Query string `json:"query" validate:"required,max=500"`
	TopK  int    `json:"topK" validate:"omitempty,min=1,max=20"`
}

type sessionArgs struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
}

type chatArgs struct {
	Prompt    string `json:"prompt" validate:"required"`
	SessionID string `json:"session_id" validate:"omitempty,max=128"`
}

func (s *Server) registry() []*tool {
	tools := []*tool{
		{
			info: info("getSystemPrompt", "Return the system prompt new conversations start with.", nil),
			run: func(ctx context.Context, _ json.RawMessage) (string, error) {
				return s.deps.Prompts.SystemPrompt(ctx), nil
			},
		},
		{
			info: info("getKVFlag", "Read a KV flag.", props{"key": str("Flag key, e.g. SYSTEM_PROMPT")}, "key"),
			run:  s.getFlag,
		},
		{
			info: info("setKVFlag", "Write a KV flag. An empty value removes it.", props{
				"key":   str("Flag key, e.g. SYSTEM_PROMPT"),
				"value": str("Flag value"),
			}, "key", "value"),
			run: s.setFlag,
		},
	}
	if s.deps.Catalog != nil {
		tools = append(tools, &tool{
			info: info("searchCatalog", "Search the storefront product catalog.", props{"query": str("Search phrase")}, "query"),
			run:  s.searchCatalog,
		})
	}
	if s.deps.Knowledge != nil {
		tools = append(tools, &tool{
			info: info("searchKnowledgeBase", "Similarity search over store policies and FAQ.", props{
				"query": str("Question to match"),
				"topK":  map[string]any{"type": "number", "description": "Result count, 1 to 20"},
			}, "query"),
			run: s.searchKnowledge,
		})
	}
	return append(tools,
		&tool{
			info: info("getConversationHistory", "Return the retained history of a conversation.", props{"session_id": str("Conversation id")}, "session_id"),
			run:  s.history,
		},
		&tool{
			info: info("endConversation", "End a conversation and write it to durable storage.", props{"session_id": str("Conversation id")}, "session_id"),
			run:  s.endConversation,
		},
		&tool{
			info: info("aiChat", "Send a message through the storefront assistant.", props{
				"prompt":     str("User message"),
				"session_id": str("Conversation id; a new one is created when empty"),
			}, "prompt"),
			run: s.chat,
		},
	)
}

func (s *Server) getFlag(ctx context.Context, raw json.RawMessage) (string, error) {
	var args keyArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	v, ok, err := s.deps.Flags.Get(ctx, args.Key)
	if err != nil {
		return "", err
	}
	return marshalText(map[string]any{"key": args.Key, "value": v, "set": ok})
}

func (s *Server) setFlag(ctx context.Context, raw json.RawMessage) (string, error) {
	var args setFlagArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	if err := s.deps.Flags.Set(ctx, args.Key, args.Value); err != nil {
		return "", err
	}
	if args.Value == "" {
		return fmt.Sprintf("flag %s cleared", args.Key), nil
	}
	return fmt.Sprintf("flag %s set", args.Key), nil
}

func (s *Server) searchCatalog(ctx context.Context, raw json.RawMessage) (string, error) {
	var args queryArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	text, err := s.deps.Catalog.SearchCatalog(ctx, args.Query)
	if err != nil {
		return "", usecaseUpstream("catalog_error", err)
	}
	if text == "" {
		return "No matching products.", nil
	}
	return text, nil
}

func (s *Server) searchKnowledge(ctx context.Context, raw json.RawMessage) (string, error) {
	var args queryArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	if args.TopK == 0 {
		args.TopK = defaultTopK
	}
	res, err := s.deps.Knowledge.SearchKnowledgeBase(ctx, args.Query, args.TopK)
	if err != nil {
		return "", usecaseUpstream("knowledge_error", err)
	}
	return marshalText(res)
}

func (s *Server) history(ctx context.Context, raw json.RawMessage) (string, error) {
	var args sessionArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	history, err := s.deps.Chat.History(ctx, args.SessionID)
	if err != nil {
		return "", err
	}
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	return marshalText(map[string]any{"session_id": args.SessionID, "history": history})
}

func (s *Server) endConversation(ctx context.Context, raw json.RawMessage) (string, error) {
	var args sessionArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	out, err := s.deps.Chat.End(ctx, args.SessionID)
	if err != nil {
		return "", err
	}
	return marshalText(map[string]any{
		"session_id":      out.SessionID,
		"conversation_id": out.ConversationID,
		"messages":        out.Messages,
		"persisted":       out.Persisted,
	})
}

func (s *Server) chat(ctx context.Context, raw json.RawMessage) (string, error) {
	var args chatArgs
	if err := s.bind(raw, &args); err != nil {
		return "", err
	}
	out, err := s.deps.Chat.Respond(ctx, usecase.RespondInput{SessionID: args.SessionID, Message: args.Prompt}, nil)
	if err != nil {
		return "", err
	}
	return marshalText(map[string]string{"reply": out.Reply, "session_id": out.SessionID})
}

type props map[string]any

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func info(name, desc string, properties props, required ...string) ToolInfo {
	if properties == nil {
		properties = props{}
	}
	schema := map[string]any{"type": "object", "properties": map[string]any(properties)}
	if len(required) > 0 {
		schema["required"] = required
	}
	return ToolInfo{Name: name, Description: desc, InputSchema: schema}
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("tools: encode result: %w", err)
	}
	return string(b), nil
}

func usecaseUpstream(reason string, err error) error {
	return &usecase.Error{Code: usecase.ErrorUpstream, Reason: reason, Err: err}
}
