package verbs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/semem/internal/observe"
	"github.com/MrWong99/semem/internal/session"
	"github.com/MrWong99/semem/internal/zpt"
	"github.com/MrWong99/semem/pkg/types"
)

// navResult is the payload of the navigation verbs: the updated state,
// plus a retrieval preview when the caller passed a query.
type navResult struct {
	State types.NavigationState `json:"zptState"`

	// Preview shows what the local read path returns for the optional
	// query under the updated state.
	Preview []types.Scored `json:"preview,omitempty"`
}

func (e *Engine) state(ctx context.Context, sess *session.Session) (outcome, error) {
	st, err := e.nav.State(ctx, sess.ID())
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: state: %w", err)
	}
	return outcome{result: st, state: &st}, nil
}

// zoomArgs is the argument object of the zoom verb.
type zoomArgs struct {
	// Level is the granularity: micro, entity, unit, text, community,
	// or corpus. Required.
	Level string `json:"level"`

	// Query, when set, returns a retrieval preview under the new state.
	Query string `json:"query,omitempty"`
}

func (e *Engine) zoom(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args zoomArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if args.Level == "" {
		return outcome{}, invalidf("level", "required")
	}
	level := types.ZoomLevel(args.Level)
	if !level.IsValid() {
		return outcome{}, invalidf("level", "%q is not one of micro, entity, unit, text, community, corpus", args.Level)
	}

	var st types.NavigationState
	err := sess.Serialize(func() error {
		var err error
		st, err = e.nav.SetZoom(ctx, sess.ID(), level)
		return err
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: zoom: %w", err)
	}
	return e.navOutcome(ctx, sess.ID(), st, args.Query), nil
}

// tiltArgs is the argument object of the tilt verb.
type tiltArgs struct {
	// Style is the ranking signal: keywords, embedding, graph, or
	// temporal. Required.
	Style string `json:"style"`

	// Query, when set, returns a retrieval preview under the new state.
	Query string `json:"query,omitempty"`
}

func (e *Engine) tilt(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args tiltArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if args.Style == "" {
		return outcome{}, invalidf("style", "required")
	}
	style := types.TiltStyle(args.Style)
	if !style.IsValid() {
		return outcome{}, invalidf("style", "%q is not one of keywords, embedding, graph, temporal", args.Style)
	}

	var st types.NavigationState
	err := sess.Serialize(func() error {
		var err error
		st, err = e.nav.SetTilt(ctx, sess.ID(), style)
		return err
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: tilt: %w", err)
	}
	return e.navOutcome(ctx, sess.ID(), st, args.Query), nil
}

// panArgs is the argument object of the pan verb. Every field is
// optional; list predicates merge additively unless Reset is set.
type panArgs struct {
	Domains    []string         `json:"domains,omitempty"`
	Keywords   []string         `json:"keywords,omitempty"`
	Entities   []string         `json:"entities,omitempty"`
	Temporal   *types.TimeRange `json:"temporal,omitempty"`
	Geographic *types.GeoBox    `json:"geographic,omitempty"`

	// Threshold updates the relevance threshold, in [0, 1].
	Threshold *float64 `json:"threshold,omitempty"`

	// Reset replaces the whole filter with the given predicates.
	Reset bool `json:"reset,omitempty"`
}

func (e *Engine) pan(ctx context.Context, sess *session.Session, raw json.RawMessage) (outcome, error) {
	var args panArgs
	if err := decode(raw, &args); err != nil {
		return outcome{}, err
	}
	if args.Threshold != nil && (*args.Threshold < 0 || *args.Threshold > 1) {
		return outcome{}, invalidf("threshold", "%v out of [0, 1]", *args.Threshold)
	}
	if args.Temporal != nil && !args.Temporal.Start.IsZero() && !args.Temporal.End.IsZero() &&
		args.Temporal.End.Before(args.Temporal.Start) {
		return outcome{}, invalidf("temporal", "end before start")
	}

	var st types.NavigationState
	err := sess.Serialize(func() error {
		var err error
		st, err = e.nav.UpdatePan(ctx, sess.ID(), zpt.PanUpdate{
			Domains:    args.Domains,
			Keywords:   args.Keywords,
			Entities:   args.Entities,
			Temporal:   args.Temporal,
			Geographic: args.Geographic,
			Threshold:  args.Threshold,
			Reset:      args.Reset,
		})
		return err
	})
	if err != nil {
		return outcome{}, fmt.Errorf("verbs: pan: %w", err)
	}
	return outcome{result: navResult{State: st}, state: &st}, nil
}

// navOutcome wraps an updated state, attaching a best-effort retrieval
// preview when the verb carried a query.
func (e *Engine) navOutcome(ctx context.Context, sessionID string, st types.NavigationState, query string) outcome {
	res := navResult{State: st}
	if query != "" {
		preview, err := e.memory.Retrieve(ctx, sessionID, query, previewItems, st.RelevanceThreshold)
		if err != nil {
			observe.Logger(ctx).Warn("verbs: navigation preview unavailable",
				"session_id", sessionID,
				"error", err,
			)
		} else {
			res.Preview = preview
		}
	}
	return outcome{result: res, state: &st}
}
