package verbs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/semem/internal/observe"
	"github.com/MrWong99/semem/internal/retrieval"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/pkg/provider/llm"
	"github.com/MrWong99/semem/pkg/types"
)

// askArgs is the argument object of the ask verb.
type askArgs struct {
	// Question is the query text. Required.
	Question string `json:"question"`

	// Mode sets the retrieval budgets: basic, standard (default), or
	// comprehensive.
	Mode string `json:"mode,omitempty"`

	// UseContext enables the local memory branch. Defaults to true.
	UseContext *bool `json:"useContext,omitempty"`

	// UseHyDE enables hypothetical expansion of the local branch.
	UseHyDE bool `json:"useHyDE,omitempty"`

	// UseWikipedia and UseWikidata enable the external lookup providers.
	UseWikipedia bool `json:"useWikipedia,omitempty"`
	UseWikidata  bool `json:"useWikidata,omitempty"`
}

// askResult is the answer with its grounding.
type askResult struct {
	Answer       string         `json:"answer"`
	ContextItems []types.Scored `json:"contextItems"`
	SourcesUsed  []string       `json:"sourcesUsed"`
}

func (e *Engine) ask(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args askArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Question) == "" {
		return outcome{}, invalidf("question", "required")
	}
	mode := retrieval.Mode(args.Mode)
	if args.Mode != "" && !mode.IsValid() {
		return outcome{}, invalidf("mode", "%q is not one of basic, standard, comprehensive", args.Mode)
	}

	useContext := true
	if args.UseContext != nil {
		useContext = *args.UseContext
	}

	res, err := e.retriever.Ask(ctx, args.Question, retrieval.Options{
		SessionID:    sess.ID(),
		Mode:         mode,
		UseContext:   useContext,
		UseHyDE:      args.UseHyDE,
		UseWikipedia: args.UseWikipedia,
		UseWikidata:  args.UseWikidata,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: ask: %w", err)
	}

	return outcome{
		result: askResult{
			Answer:       res.Answer,
			ContextItems: res.ContextItems,
			SourcesUsed:  res.SourcesUsed,
		},
		sources:   res.SourcesUsed,
		cacheHits: res.CacheHits,
		timings:   res.Timings,
	}, nil
}

// chatArgs is the argument object of the chat verb.
type chatArgs struct {
	// Message is the user's turn. Required.
	Message string `json:"message"`
}

type chatResult struct {
	Response string `json:"response"`
}

const chatSystemPrompt = `You are a conversational assistant with access to the
user's personal memory. Ground your replies in the memory snippets below when
they are relevant; otherwise answer from the conversation alone. Be concise.`

// chatSnippetLimit caps one memory snippet offered to the model, in
// runes.
const chatSnippetLimit = 240

// chat runs one history-aware conversation turn. Relevant personal
// memories are offered as grounding, but a chat turn never creates a
// record: only tell and remember ingest content.
func (e *Engine) chat(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args chatArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Message) == "" {
		return outcome{}, invalidf("message", "required")
	}

	var sources []string
	system := chatSystemPrompt
	items, err := e.memory.Retrieve(ctx, sess.ID(), args.Message, e.cfg.ChatContextItems, 0)
	if err != nil {
		// Grounding is best-effort; a chat turn still works from the
		// conversation alone.
		observe.Logger(ctx).Warn("verbs: chat grounding unavailable",
			"session_id", sess.ID(),
			"error", err,
		)
	} else if len(items) > 0 {
		var b strings.Builder
		b.WriteString("\n\nMemory:\n")
		for i, item := range items {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, chatSnippet(item.Interaction))
		}
		system += b.String()
		sources = []string{"personal"}
	}

	userMsg := types.Message{Role: "user", Content: args.Message}
	messages := append(sess.History().Messages(), userMsg)

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		Temperature:  e.cfg.ChatTemperature,
		MaxTokens:    e.cfg.ChatMaxTokens,
		SystemPrompt: system,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: chat: %w", err)
	}

	// The exchange enters history only after the model replied, so a
	// failed turn can be retried without duplicate user messages.
	if err := sess.History().Add(ctx, userMsg, types.Message{Role: "assistant", Content: resp.Content}); err != nil {
		return outcome{}, fmt.Errorf("verbs: chat: record history: %w", err)
	}

	return outcome{
		result:  chatResult{Response: resp.Content},
		sources: sources,
	}, nil
}

// chatEnhancedArgs is the argument object of the chat-enhanced verb.
type chatEnhancedArgs struct {
	// Message is the user's turn. Required.
	Message string `json:"message"`

	// EnabledProviders selects the enhancement providers: wikipedia,
	// wikidata, hyde. Empty enables all three.
	EnabledProviders []string `json:"enabledProviders,omitempty"`
}

type chatEnhancedResult struct {
	Response    string   `json:"response"`
	SourcesUsed []string `json:"sourcesUsed"`
}

// chatEnhanced is a chat turn answered through the full hybrid
// retrieval pipeline, so external knowledge can ground the reply. The
// exchange still lands in the session history for later plain chat
// turns.
func (e *Engine) chatEnhanced(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args chatEnhancedArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if strings.TrimSpace(args.Message) == "" {
		return outcome{}, invalidf("message", "required")
	}
	opts := retrieval.Options{
		SessionID:  sess.ID(),
		UseContext: true,
	}
	if len(args.EnabledProviders) == 0 {
		opts.UseWikipedia = true
		opts.UseWikidata = true
		opts.UseHyDE = true
	}
	for _, name := range args.EnabledProviders {
		switch name {
		case "wikipedia":
			opts.UseWikipedia = true
		case "wikidata":
			opts.UseWikidata = true
		case "hyde":
			opts.UseHyDE = true
		default:
			return outcome{}, invalidf("enabledProviders", "%q is not one of wikipedia, wikidata, hyde", name)
		}
	}

	res, err := e.retriever.Ask(ctx, args.Message, opts)
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: chat-enhanced: %w", err)
	}

	userMsg := types.Message{Role: "user", Content: args.Message}
	if err := sess.History().Add(ctx, userMsg, types.Message{Role: "assistant", Content: res.Answer}); err != nil {
		return outcome{}, fmt.Errorf("verbs: chat-enhanced: record history: %w", err)
	}

	return outcome{
		result: chatEnhancedResult{
			Response:    res.Answer,
			SourcesUsed: res.SourcesUsed,
		},
		sources:   res.SourcesUsed,
		cacheHits: res.CacheHits,
		timings:   res.Timings,
	}, nil
}

// chatSnippet folds a record into one grounding line.
func chatSnippet(it *types.Interaction) string {
	text := it.Prompt
	if it.Response != "" {
		text += ": " + it.Response
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > chatSnippetLimit {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:chatSnippetLimit])) + "…"
	}
	return text
}
