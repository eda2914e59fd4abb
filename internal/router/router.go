// Package router implements the Caller-ID Router: an in-memory, hot-
// reloadable lookup of (prefix, caller_id) pairs per channel.
package router

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/store"
)

// Entry is one routing rule.
type Entry struct {
	Prefix   string // numeric string, or "*" for catch-all
	CallerID string
}

// routeTable is the immutable snapshot swapped atomically on reload.
type routeTable struct {
	byChannel map[string][]Entry // sorted by len(prefix) descending, "*" always last
}

// Store is the slice of *store.Store the router needs to reload routes.
type Store interface {
	ListCallerIDRoutes(ctx context.Context) ([]store.CallerIDRoute, error)
}

// Router answers caller-ID lookups with no database round-trip per call;
// the cache is swapped wholesale on reload.
type Router struct {
	db    Store
	log   zerolog.Logger
	table atomic.Pointer[routeTable]
}

func New(db Store, log zerolog.Logger) *Router {
	r := &Router{db: db, log: log}
	r.table.Store(&routeTable{byChannel: map[string][]Entry{}})
	return r
}

// Lookup normalizes destination (stripping a leading "+") and returns the
// caller ID for the longest matching prefix on channel, falling back to the
// "*" entry, or ("", false) if neither matches.
func (r *Router) Lookup(channel, destination string) (string, bool) {
	dest := strings.TrimPrefix(destination, "+")
	table := r.table.Load()
	entries := table.byChannel[channel]

	for _, e := range entries {
		if e.Prefix == "*" {
			continue // catch-all is evaluated last, never first
		}
		if strings.HasPrefix(dest, e.Prefix) {
			return e.CallerID, true
		}
	}
	for _, e := range entries {
		if e.Prefix == "*" {
			return e.CallerID, true
		}
	}
	return "", false
}

// ReloadFromStore re-reads caller_id_routes and atomically swaps the sorted
// table in a single pointer store, so concurrent lookups never see a
// partially-built table.
func (r *Router) ReloadFromStore(ctx context.Context) error {
	rows, err := r.db.ListCallerIDRoutes(ctx)
	if err != nil {
		return err
	}

	byChannel := map[string][]Entry{}
	for _, row := range rows {
		byChannel[row.Channel] = append(byChannel[row.Channel], Entry{
			Prefix:   row.Prefix,
			CallerID: row.CallerID,
		})
	}
	for channel, entries := range byChannel {
		sortEntries(entries)
		byChannel[channel] = entries
	}

	r.table.Store(&routeTable{byChannel: byChannel})
	r.log.Info().Int("channels", len(byChannel)).Msg("caller-id routes reloaded")
	return nil
}

// sortEntries orders by prefix length descending, with "*" always last
// regardless of its (zero) length.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Prefix == "*" {
			return false
		}
		if entries[j].Prefix == "*" {
			return true
		}
		return len(entries[i].Prefix) > len(entries[j].Prefix)
	})
}
