package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only runtime tunables are tracked as applicable changes; structural
// sections (providers, store endpoints, index backend, sessions, server
// wiring) land in RequiresRestart instead.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RetrievalChanged covers merge weights, thresholds, and budgets.
	// The retrieval engine is rebuilt in place when set.
	RetrievalChanged bool

	// GraphChanged covers decay and community tunables, applied via
	// [graph.Graph.Retune]. The decay ticker interval itself is fixed
	// at startup.
	GraphChanged bool

	// VerbsChanged covers per-verb deadlines and limits.
	VerbsChanged bool

	// ChunkerChanged covers chunking tunables; only future ingests see them.
	ChunkerChanged bool

	// EnhancementChanged covers cache TTL, retry, and breaker tunables;
	// only future consultations see them.
	EnhancementChanged bool

	// RequiresRestart names the config sections that changed but cannot
	// be applied to a running server.
	RequiresRestart []string
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RetrievalChanged || d.GraphChanged ||
		d.VerbsChanged || d.ChunkerChanged || d.EnhancementChanged ||
		len(d.RequiresRestart) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RetrievalChanged = !reflect.DeepEqual(old.Retrieval, new.Retrieval)
	d.GraphChanged = old.Graph != new.Graph
	d.VerbsChanged = old.Verbs != new.Verbs
	d.ChunkerChanged = old.Chunker != new.Chunker
	d.EnhancementChanged = old.Enhancement != new.Enhancement

	if old.Server.LogFormat != new.Server.LogFormat ||
		old.Server.ObservabilityAddr != new.Server.ObservabilityAddr {
		d.RequiresRestart = append(d.RequiresRestart, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RequiresRestart = append(d.RequiresRestart, "providers")
	}
	if old.Store != new.Store {
		d.RequiresRestart = append(d.RequiresRestart, "store")
	}
	if old.Index != new.Index {
		d.RequiresRestart = append(d.RequiresRestart, "index")
	}
	if old.Session != new.Session {
		d.RequiresRestart = append(d.RequiresRestart, "session")
	}

	return d
}
