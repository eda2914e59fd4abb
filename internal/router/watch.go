package router

import (
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// overrideEntry is one element of the JSON array in an override file: an operator-managed
// routing rule that bypasses the store entirely.
type overrideEntry struct {
	Channel  string `json:"channel"`
	Prefix   string `json:"prefix"`
	CallerID string `json:"caller_id"`
}

// WatchOverrideFile watches path with fsnotify and, on every write, reloads
// the route table from its JSON contents instead of the store. This lets an
// operator manage routing from a local file without touching the database.
// The watch runs until done is closed; reload errors are logged and the
// previous table is kept.
func (r *Router) WatchOverrideFile(path string, done <-chan struct{}) error {
	if err := r.loadOverrideFile(path); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("initial override file load failed")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go r.watchOverrideLoop(w, path, done)
	return nil
}

func (r *Router) watchOverrideLoop(w *fsnotify.Watcher, path string, done <-chan struct{}) {
	defer w.Close()

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(200 * time.Millisecond)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log.Warn().Err(err).Str("path", path).Msg("fsnotify error on override file")

		case <-reload:
			if err := r.loadOverrideFile(path); err != nil {
				r.log.Warn().Err(err).Str("path", path).Msg("override file reload failed, keeping previous table")
			}
		}
	}
}

func (r *Router) loadOverrideFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var entries []overrideEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	byChannel := map[string][]Entry{}
	for _, e := range entries {
		byChannel[e.Channel] = append(byChannel[e.Channel], Entry{Prefix: e.Prefix, CallerID: e.CallerID})
	}
	for channel, es := range byChannel {
		sortEntries(es)
		byChannel[channel] = es
	}

	r.table.Store(&routeTable{byChannel: byChannel})
	r.log.Info().Int("channels", len(byChannel)).Str("path", path).Msg("caller-id routes reloaded from override file")
	return nil
}
