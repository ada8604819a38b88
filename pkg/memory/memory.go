// Package memory implements the active-memory store: one-sentence lessons
// keyed by task summary and outcome, appended at session end and recalled by
// keyword overlap when planning a new task. Backed by LevelDB.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key scheme. "|" separator, UUID suffix keeps keys unique.
//
//	l|<id> → Lesson JSON
const prefixLesson = "l|"

// Lesson is one stored memory entry.
type Lesson struct {
	ID          string    `json:"id"`
	TaskSummary string    `json:"task_summary"`
	Outcome     string    `json:"outcome"` // "success" or "failure"
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the LevelDB-backed active memory.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the memory store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Append stores a lesson.
func (s *Store) Append(taskSummary, outcome, text string) (*Lesson, error) {
	lesson := &Lesson{
		ID:          uuid.New().String(),
		TaskSummary: taskSummary,
		Outcome:     outcome,
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(lesson)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lesson: %w", err)
	}
	if err := s.db.Put([]byte(prefixLesson+lesson.ID), data, nil); err != nil {
		return nil, fmt.Errorf("failed to store lesson: %w", err)
	}
	return lesson, nil
}

// Recall returns up to n lesson texts relevant to the task text, ranked by
// keyword overlap between the task text and the stored task summary. Lessons
// with no overlap are not returned.
func (s *Store) Recall(taskText string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	want := tokenize(taskText)
	if len(want) == 0 {
		return nil, nil
	}

	type scored struct {
		lesson Lesson
		score  int
	}
	var hits []scored

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixLesson)), nil)
	defer iter.Release()
	for iter.Next() {
		var lesson Lesson
		if err := json.Unmarshal(iter.Value(), &lesson); err != nil {
			continue
		}
		score := overlap(want, tokenize(lesson.TaskSummary))
		if score > 0 {
			hits = append(hits, scored{lesson: lesson, score: score})
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan lessons: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].lesson.CreatedAt.After(hits[j].lesson.CreatedAt)
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.lesson.Text
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tokenize(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	out := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 3 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
