package zpt

import (
	"strconv"
	"strings"

	"github.com/MrWong99/semem/pkg/types"
)

// Match pairs a surviving candidate with its navigation alignment score.
type Match struct {
	Interaction *types.Interaction

	// Score is 1.0 when the record's kind matches zoom and all pan
	// predicates hold, 0.5 when one of the two holds, 0 otherwise.
	Score float64
}

// ApplyTo drops faded and pan-excluded candidates and scores the rest
// against the navigation state. Order is preserved.
func ApplyTo(items []*types.Interaction, state types.NavigationState) []Match {
	faded := make(map[string]struct{}, len(state.FadeOut))
	for _, id := range state.FadeOut {
		faded[id] = struct{}{}
	}

	out := make([]Match, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		if _, gone := faded[it.ID]; gone {
			continue
		}
		if !PanMatches(it, state.Pan) {
			continue
		}
		out = append(out, Match{Interaction: it, Score: MatchScore(it, state)})
	}
	return out
}

// MatchScore rates how well a record aligns with the navigation state.
func MatchScore(it *types.Interaction, state types.NavigationState) float64 {
	kindOK := ZoomAllows(state.Zoom, it)
	panOK := PanMatches(it, state.Pan)
	switch {
	case kindOK && panOK:
		return 1.0
	case kindOK || panOK:
		return 0.5
	default:
		return 0
	}
}

// ZoomAllows reports whether the record's granularity is in view at the
// given zoom level.
func ZoomAllows(zoom types.ZoomLevel, it *types.Interaction) bool {
	switch zoom {
	case types.ZoomMicro:
		return it.Kind == types.KindConcept
	case types.ZoomEntity:
		return len(it.Concepts) > 0
	case types.ZoomUnit:
		return it.Kind == types.KindChunk || it.Kind == types.KindConcept
	case types.ZoomText:
		return it.Kind == types.KindDocument
	case types.ZoomCommunity, types.ZoomCorpus:
		return true
	default:
		return true
	}
}

// PanMatches reports whether the record satisfies every present pan
// predicate. An empty filter matches everything.
func PanMatches(it *types.Interaction, pan types.PanFilter) bool {
	if len(pan.Domains) > 0 && !anyFold(pan.Domains, it.Metadata.Domain) {
		return false
	}
	if len(pan.Keywords) > 0 && !anyKeyword(pan.Keywords, it) {
		return false
	}
	if len(pan.Entities) > 0 && !anyConcept(pan.Entities, it.Concepts) {
		return false
	}
	if pan.Temporal != nil && !pan.Temporal.Contains(it.Metadata.Created) {
		return false
	}
	if pan.Geographic != nil && !inGeoBox(pan.Geographic, it.Metadata.Extra) {
		return false
	}
	return true
}

func anyFold(wanted []string, have string) bool {
	for _, w := range wanted {
		if strings.EqualFold(w, have) {
			return true
		}
	}
	return false
}

// anyKeyword matches a keyword against the record's text and labels,
// case-insensitively.
func anyKeyword(keywords []string, it *types.Interaction) bool {
	var sb strings.Builder
	sb.WriteString(it.Prompt)
	sb.WriteByte('\n')
	sb.WriteString(it.Response)
	sb.WriteByte('\n')
	sb.WriteString(it.Metadata.Title)
	for _, tag := range it.Metadata.Tags {
		sb.WriteByte('\n')
		sb.WriteString(tag)
	}
	for _, c := range it.Concepts {
		sb.WriteByte('\n')
		sb.WriteString(c)
	}
	text := strings.ToLower(sb.String())
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func anyConcept(wanted, concepts []string) bool {
	for _, w := range wanted {
		for _, c := range concepts {
			if strings.EqualFold(w, c) {
				return true
			}
		}
	}
	return false
}

// inGeoBox checks the record's coordinates, carried in its extra
// metadata as "lat"/"lon", against the bounding box. Records without
// coordinates never match a geographic predicate.
func inGeoBox(box *types.GeoBox, extra map[string]string) bool {
	lat, err := strconv.ParseFloat(extra["lat"], 64)
	if err != nil {
		return false
	}
	lon, err := strconv.ParseFloat(extra["lon"], 64)
	if err != nil {
		return false
	}
	return lat >= box.MinLat && lat <= box.MaxLat && lon >= box.MinLon && lon <= box.MaxLon
}
