package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"nerdkernel/internal/logging"
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Store persists campaigns as JSON files, one per campaign.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir (usually .nerd/campaigns).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the file a campaign is stored in.
func (st *Store) Path(id string) string {
	return filepath.Join(st.dir, sanitizeCampaignID(id)+".json")
}

// Save writes a campaign atomically.
func (st *Store) Save(c *Campaign) error {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("create campaigns directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}
	path := st.Path(c.ID)
	tmp, err := os.CreateTemp(st.dir, ".campaign-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	logging.CampaignDebug("Campaign saved: %s (%d bytes)", path, len(data))
	return nil
}

// Load reads one campaign.
func (st *Store) Load(id string) (*Campaign, error) {
	data, err := os.ReadFile(st.Path(id))
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", id, err)
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse campaign %s: %w", id, err)
	}
	return &c, nil
}

// List loads every stored campaign, ordered by creation time.
func (st *Store) List() ([]*Campaign, error) {
	entries, err := os.ReadDir(st.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Campaign
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		c, err := st.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			logging.CampaignWarn("Skipping unreadable campaign %s: %v", e.Name(), err)
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// sanitizeCampaignID removes the leading slash and non-alphanum for filesystem safety.
func sanitizeCampaignID(id string) string {
	id = strings.TrimPrefix(id, "/")
	return unsafeIDChars.ReplaceAllString(id, "_")
}
