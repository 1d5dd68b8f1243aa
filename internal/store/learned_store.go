// Package store - learnings store.
// This file implements the SQLite store for learnings promoted from
// experience. The kernel hydrates them as read-only facts every cycle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // "sqlite3" driver (cgo)
	_ "modernc.org/sqlite"          // "sqlite" driver (pure Go)

	"nerdkernel/internal/logging"
	"nerdkernel/internal/types"
)

// Hydrated predicates.
const (
	// learned_preference(Shard, Preference, Confidence)
	PredLearnedPreference = "learned_preference"
	// learned_constraint(Shard, Constraint, Confidence)
	PredLearnedConstraint = "learned_constraint"
	// knowledge_link(From, Relation, To)
	PredKnowledgeLink = "knowledge_link"
)

// LearnedPredicates are replaced wholesale by every hydration.
var LearnedPredicates = []string{PredLearnedPreference, PredLearnedConstraint, PredKnowledgeLink}

var (
	ErrUnknownDriver   = errors.New("unknown sqlite driver")
	ErrInvalidLearning = errors.New("invalid learning")
)

// Learning confidence bounds. A new learning starts at initialConfidence,
// each reinforcement adds reinforceStep, and hydration skips anything at
// or below hydrateFloor.
const (
	initialConfidence types.Score = 70
	reinforceStep     types.Score = 10
	hydrateFloor      types.Score = 30
	pruneFloor        types.Score = 10
)

// Learning is one persisted preference or constraint.
type Learning struct {
	ID             int64
	Shard          string
	Predicate      string
	Text           string
	Confidence     types.Score
	LearnedAt      time.Time
	SourceCampaign string
}

// KnowledgeLink relates two workspace entities.
type KnowledgeLink struct {
	From     string
	Relation string
	To       string
}

// LearnedStore persists learnings in SQLite.
type LearnedStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	driver string
	now    func() time.Time
}

// OpenLearnedStore opens or creates the learnings database. driver is
// "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go). path may be
// ":memory:".
func OpenLearnedStore(driver, path string) (*LearnedStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenLearnedStore")
	defer timer.Stop()

	switch driver {
	case "sqlite3", "sqlite":
	case "":
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	logging.Store("Opening learnings store at %s (driver=%s)", path, driver)
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	s := &LearnedStore{db: db, path: path, driver: driver, now: time.Now}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to initialize learnings schema: %v", err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *LearnedStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shard_type TEXT NOT NULL,
		fact_predicate TEXT NOT NULL,
		fact_text TEXT NOT NULL,
		learned_at INTEGER NOT NULL,
		source_campaign TEXT DEFAULT '',
		confidence INTEGER NOT NULL,
		UNIQUE(shard_type, fact_predicate, fact_text)
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_confidence ON learnings(confidence);
	CREATE TABLE IF NOT EXISTS knowledge_links (
		from_entity TEXT NOT NULL,
		relation TEXT NOT NULL,
		to_entity TEXT NOT NULL,
		PRIMARY KEY (from_entity, relation, to_entity)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Learn saves a preference or constraint for a shard type. Learning the
// same text again reinforces its confidence.
func (s *LearnedStore) Learn(ctx context.Context, shard, predicate, text, sourceCampaign string) error {
	if predicate != PredLearnedPreference && predicate != PredLearnedConstraint {
		return fmt.Errorf("%w: predicate %q", ErrInvalidLearning, predicate)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidLearning)
	}
	shard = types.Name(shard).Text()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (shard_type, fact_predicate, fact_text, learned_at, source_campaign, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_type, fact_predicate, fact_text) DO UPDATE SET
			confidence = MIN(?, confidence + ?),
			learned_at = excluded.learned_at,
			source_campaign = excluded.source_campaign
	`, shard, predicate, text, s.now().UnixMilli(), sourceCampaign, int64(initialConfidence),
		int64(types.MaxScore), int64(reinforceStep))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save learning %s: %v", predicate, err)
		return fmt.Errorf("failed to save learning: %w", err)
	}
	logging.StoreDebug("Learning saved/reinforced: %s for shard=%s", predicate, shard)
	return nil
}

// Link records a knowledge link between two entities.
func (s *LearnedStore) Link(ctx context.Context, l KnowledgeLink) error {
	if l.From == "" || l.To == "" || l.Relation == "" {
		return fmt.Errorf("%w: incomplete knowledge link", ErrInvalidLearning)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO knowledge_links (from_entity, relation, to_entity) VALUES (?, ?, ?)
	`, l.From, types.Name(l.Relation).Text(), l.To)
	if err != nil {
		return fmt.Errorf("failed to save knowledge link: %w", err)
	}
	return nil
}

// Forget removes a learning.
func (s *LearnedStore) Forget(ctx context.Context, shard, predicate, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM learnings WHERE shard_type = ? AND fact_predicate = ? AND fact_text = ?
	`, types.Name(shard).Text(), predicate, text)
	return err
}

// Decay scales the confidence of learnings not reinforced within maxAge
// by percent and prunes those that fall below the prune floor. This
// implements forgetting: learnings that stop recurring fade.
func (s *LearnedStore) Decay(ctx context.Context, percent int, maxAge time.Duration) (decayed, pruned int64, err error) {
	timer := logging.StartTimer(logging.CategoryStore, "LearnedStore.Decay")
	defer timer.Stop()

	cutoff := s.now().Add(-maxAge).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE learnings SET confidence = confidence * ? / 100 WHERE learned_at < ?
	`, percent, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decay learnings: %w", err)
	}
	decayed, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM learnings WHERE confidence < ?`, int64(pruneFloor))
	if err != nil {
		return decayed, 0, fmt.Errorf("failed to prune learnings: %w", err)
	}
	pruned, _ = res.RowsAffected()
	if pruned > 0 {
		logging.Store("Pruned %d forgotten learnings", pruned)
	}
	return decayed, pruned, nil
}

// Learnings returns the learnings above the hydration floor, highest
// confidence first.
func (s *LearnedStore) Learnings(ctx context.Context) ([]Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shard_type, fact_predicate, fact_text, learned_at, source_campaign, confidence
		FROM learnings
		WHERE confidence > ?
		ORDER BY confidence DESC, id ASC
	`, int64(hydrateFloor))
	if err != nil {
		return nil, fmt.Errorf("failed to load learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		var learnedAt, conf int64
		if err := rows.Scan(&l.ID, &l.Shard, &l.Predicate, &l.Text, &learnedAt, &l.SourceCampaign, &conf); err != nil {
			return nil, err
		}
		l.LearnedAt = time.UnixMilli(learnedAt)
		l.Confidence = types.Score(conf)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Links returns every knowledge link.
func (s *LearnedStore) Links(ctx context.Context) ([]KnowledgeLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_entity, relation, to_entity FROM knowledge_links ORDER BY from_entity, relation, to_entity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge links: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeLink
	for rows.Next() {
		var l KnowledgeLink
		if err := rows.Scan(&l.From, &l.Relation, &l.To); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Hydrate returns the learnings as facts.
func (s *LearnedStore) Hydrate(ctx context.Context) ([]types.Fact, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LearnedStore.Hydrate")
	defer timer.Stop()

	learnings, err := s.Learnings(ctx)
	if err != nil {
		return nil, err
	}
	links, err := s.Links(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Fact, 0, len(learnings)+len(links))
	for _, l := range learnings {
		out = append(out, types.NewFact(l.Predicate, types.Name(l.Shard), types.String(l.Text), l.Confidence.Value()))
	}
	for _, l := range links {
		out = append(out, types.NewFact(PredKnowledgeLink, types.String(l.From), types.Name(l.Relation), types.String(l.To)))
	}
	types.SortFacts(out)
	logging.StoreDebug("Hydrated %d learnings and %d knowledge links", len(learnings), len(links))
	return out, nil
}

// Batch hydrates the store into a boundary batch replacing the learned
// predicates.
func (s *LearnedStore) Batch(ctx context.Context) (Batch, error) {
	facts, err := s.Hydrate(ctx)
	if err != nil {
		return nil, err
	}
	byPred := make(map[string][]types.Fact, len(LearnedPredicates))
	for _, f := range facts {
		byPred[f.Predicate] = append(byPred[f.Predicate], f)
	}
	var b Batch
	for _, pred := range LearnedPredicates {
		b.Replace("learned", pred, byPred[pred]...)
	}
	return b, nil
}

// Path returns the database path.
func (s *LearnedStore) Path() string { return s.path }

// Close closes the database.
func (s *LearnedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
