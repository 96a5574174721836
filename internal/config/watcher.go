package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch observes path for writes and invokes onChange with a copy of base
// that has MANAGER_TOKEN and DECISION_TIMEOUT_MS overridden from the file's
// contents (simple KEY=VALUE lines, same shape as a .env file). Intended
// for operators who mount a secret file rather than restart the process to
// rotate the manager token. The returned watcher must be closed by the
// caller; Watch does not block.
func Watch(path string, base *Config, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				updated, err := applyOverrides(path, base)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("failed to reload config file, keeping previous settings")
					continue
				}
				log.Info().Str("path", path).Msg("reloaded config overrides from file")
				onChange(updated)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(werr).Str("path", path).Msg("config watcher error")
			}
		}
	}()

	return watcher, nil
}

func applyOverrides(path string, base *Config) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	updated := *base

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "MANAGER_TOKEN":
			if value != "" {
				updated.ManagerToken = value
			}
		case "DECISION_TIMEOUT_MS":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
				updated.DecisionTimeout = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &updated, nil
}
