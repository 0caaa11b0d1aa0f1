// Package session persists conversations between runs. The core treats
// session files as a collaborator surface: orphaned tool_result blocks are
// filtered on load before any replay reaches a provider.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codi/internal/logging"
	"codi/internal/types"
)

// Session is the on-disk session file shape.
type Session struct {
	Name     string          `json:"name"`
	Label    string          `json:"label,omitempty"`
	Created  time.Time       `json:"created"`
	Updated  time.Time       `json:"updated"`
	Project  string          `json:"project,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Messages []types.Message `json:"messages"`
	Summary  string          `json:"summary,omitempty"`
}

// Store reads and writes session files in a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir (typically <project>/.codi/sessions).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads one session. Orphaned tool_result blocks are filtered before
// the messages reach callers.
func (s *Store) Load(name string) (*Session, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", name, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", name, err)
	}

	before := len(sess.Messages)
	sess.Messages = types.FilterOrphanedToolResults(sess.Messages)
	if len(sess.Messages) != before {
		logging.Session("Session %s: filtered messages with orphaned tool results (%d -> %d)",
			name, before, len(sess.Messages))
	}
	return &sess, nil
}

// Save writes one session, stamping Updated.
func (s *Store) Save(sess *Session) error {
	if sess.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if sess.Created.IsZero() {
		sess.Created = time.Now().UTC()
	}
	sess.Updated = time.Now().UTC()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(sess.Name), data, 0644)
}

// List enumerates saved session names, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type stamped struct {
		name string
		mod  time.Time
	}
	var all []stamped
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, stamped{strings.TrimSuffix(e.Name(), ".json"), info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })

	names := make([]string, len(all))
	for i, st := range all {
		names[i] = st.name
	}
	return names, nil
}
