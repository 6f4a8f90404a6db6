package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldlab.ai/internal/persistence/episode"
	persistlog "worldlab.ai/internal/persistence/log"
)

// SQLiteIndex is a queryable read model over steps, training updates and finished episodes.
// Writes are queued to one writer goroutine and dropped when the queue is full; the JSONL logs
// and episode documents remain the source of truth.
type SQLiteIndex struct {
	db  *sql.DB
	rdb *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against close(ch): senders hold the read lock.
	mu     sync.RWMutex
	closed atomic.Bool

	dropStep    atomic.Uint64
	dropTrain   atomic.Uint64
	dropEpisode atomic.Uint64
	dropRemove  atomic.Uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqTrain
	reqEpisode
	reqRemoveEpisode
	reqSync
)

type req struct {
	kind reqKind

	step    persistlog.StepEntry
	train   persistlog.TrainEntry
	episode episode.Summary
	id      string
	done    chan struct{}
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropStepTotal     uint64 `json:"drop_step_total"`
	DropTrainTotal    uint64 `json:"drop_train_total"`
	DropEpisodeTotal  uint64 `json:"drop_episode_total"`
	DropRemovalsTotal uint64 `json:"drop_removals_total"`
}

const defaultQueueSize = 65536

// tsLayout has fixed-width fractions so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func OpenSQLite(path string, queueSize int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Readers get their own pool so queries never wait on the writer's open transaction.
	rdb, err := sql.Open("sqlite", path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(4)
	if _, err := rdb.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		rdb: rdb,
		ch:  make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_steps (
			agent_id TEXT PRIMARY KEY,
			steps INTEGER NOT NULL,
			total_reward REAL NOT NULL,
			last_reward REAL NOT NULL,
			last_action TEXT NOT NULL,
			emotional_state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS train_updates (
			agent_id TEXT NOT NULL,
			training_steps INTEGER NOT NULL,
			samples INTEGER NOT NULL,
			loss REAL NOT NULL,
			policy_loss REAL NOT NULL,
			value_loss REAL NOT NULL,
			mean_return REAL NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, training_steps)
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			episode_id TEXT PRIMARY KEY,
			start_time TEXT NOT NULL,
			end_time TEXT,
			num_frames INTEGER NOT NULL,
			duration REAL NOT NULL,
			metadata_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_start ON episodes(start_time);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = errors.Join(s.db.Close(), s.rdb.Close())
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordStep(e persistlog.StepEntry) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqStep, step: e}, &s.dropStep)
}

func (s *SQLiteIndex) RecordTrain(e persistlog.TrainEntry) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqTrain, train: e}, &s.dropTrain)
}

func (s *SQLiteIndex) RecordEpisode(sum episode.Summary) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqEpisode, episode: sum}, &s.dropEpisode)
}

func (s *SQLiteIndex) RemoveEpisode(id string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqRemoveEpisode, id: id}, &s.dropRemove)
}

// Sync blocks until every request queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqSync, done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropStepTotal:     s.dropStep.Load(),
		DropTrainTotal:    s.dropTrain.Load(),
		DropEpisodeTotal:  s.dropEpisode.Load(),
		DropRemovalsTotal: s.dropRemove.Load(),
	}
}

// UpsertConfig stores the configuration actually applied, as canonical JSON with its digest.
func (s *SQLiteIndex) UpsertConfig(name string, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(tsLayout)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		name, hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertStep, _ := s.db.Prepare(`INSERT INTO agent_steps(agent_id,steps,total_reward,last_reward,last_action,emotional_state,updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(agent_id) DO UPDATE SET steps=excluded.steps, total_reward=excluded.total_reward,
			last_reward=excluded.last_reward, last_action=excluded.last_action,
			emotional_state=excluded.emotional_state, updated_at=excluded.updated_at`)
	insertTrain, _ := s.db.Prepare(`INSERT OR REPLACE INTO train_updates(agent_id,training_steps,samples,loss,policy_loss,value_loss,mean_return,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(episode_id,start_time,end_time,num_frames,duration,metadata_json) VALUES(?,?,?,?,?,?)`)
	deleteEpisode, _ := s.db.Prepare(`DELETE FROM episodes WHERE episode_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertStep, insertTrain, insertEpisode, deleteEpisode} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqStep:
			e := r.step
			actJSON, _ := json.Marshal(e.Action)
			exec(upsertStep, e.AgentID, e.Step, e.TotalReward, e.Reward, string(actJSON), e.Emotion, e.Time.UTC().Format(tsLayout))

		case reqTrain:
			e := r.train
			exec(insertTrain, e.AgentID, e.TrainingSteps, e.Samples,
				e.Metrics.Loss, e.Metrics.PolicyLoss, e.Metrics.ValueLoss, e.Metrics.MeanReturn,
				e.Time.UTC().Format(tsLayout))

		case reqEpisode:
			sum := r.episode
			md, _ := json.Marshal(sum.Metadata)
			var end any
			if sum.EndTime != nil {
				end = sum.EndTime.UTC().Format(tsLayout)
			}
			exec(insertEpisode, sum.ID, sum.StartTime.UTC().Format(tsLayout), end, sum.NumFrames, sum.Duration, string(md))

		case reqRemoveEpisode:
			exec(deleteEpisode, r.id)
		}
		flushIfNeeded()
	}
}
