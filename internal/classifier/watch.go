package classifier

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads rules from path into c whenever the file changes. It blocks
// until ctx is cancelled. A file that fails to parse leaves the current rules
// in place.
func Watch(ctx context.Context, path string, c *Classifier) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory so editors that replace the file atomically are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			reload(path, c)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("classifier: watch error")
		}
	}
}

func reload(path string, c *Classifier) {
	rules, err := LoadRules(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("classifier: keeping previous rules")
		return
	}
	if err := c.SetRules(rules); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("classifier: keeping previous rules")
		return
	}
	log.Info().Str("path", path).Msg("classifier: rules reloaded")
}
