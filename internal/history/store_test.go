package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/db"
	"github.com/dokzlo13/osmwatch/internal/element"
	"github.com/dokzlo13/osmwatch/internal/guard"
)

// openStore opens a store on dir with its own connection and guard, the
// way a separate process would.
func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(dir, ".osmwatch", "history.sqlite"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	g, err := guard.New(filepath.Join(dir, ".osmwatch", "lock"))
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	s, err := Open(dir, database.DB, g)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

var node100 = element.Element(element.Identity{Kind: element.KindNode, ID: 100})

func TestCommit_Lifecycle(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	if s.Exists(node100) {
		t.Fatal("fresh store should not contain node-100")
	}

	res, err := s.Commit(ctx, "run-1", node100, []byte("v1\n"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Outcome != OutcomeInitial || res.Seq != 1 {
		t.Errorf("first commit = %v seq %d, want initial seq 1", res.Outcome, res.Seq)
	}
	if res.Message != "node 100: initial version" {
		t.Errorf("Message = %q", res.Message)
	}
	if !s.Exists(node100) {
		t.Error("node-100 should exist after commit")
	}

	res, err = s.Commit(ctx, "run-2", node100, []byte("v1\n"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Outcome != OutcomeUnchanged || res.Seq != 0 {
		t.Errorf("identical commit = %v seq %d, want unchanged", res.Outcome, res.Seq)
	}

	res, err = s.Commit(ctx, "run-3", node100, []byte("v2\n"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Outcome != OutcomeUpdated || res.Seq != 2 {
		t.Errorf("changed commit = %v seq %d, want updated seq 2", res.Outcome, res.Seq)
	}
	if string(res.Previous) != "v1\n" {
		t.Errorf("Previous = %q", res.Previous)
	}
	if res.Message != "node 100: new version" {
		t.Errorf("Message = %q", res.Message)
	}

	cur, err := s.Read(node100)
	if err != nil || string(cur) != "v2\n" {
		t.Errorf("Read = %q, %v", cur, err)
	}

	versions, err := s.Log(node100)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(versions) != 2 || versions[0].RunID != "run-1" || versions[1].RunID != "run-3" {
		t.Fatalf("Log = %+v", versions)
	}

	old, err := s.Show(node100, 1)
	if err != nil || string(old) != "v1\n" {
		t.Errorf("Show(1) = %q, %v", old, err)
	}
	if _, err := s.Show(node100, 9); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Show(9) err = %v, want ErrVersionNotFound", err)
	}
}

func TestCommit_Idempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Commit(ctx, "run", node100, []byte("same")); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.CommitsByRun("run")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("commits = %d, want 1", n)
	}
}

func TestCommit_ConcurrentSameContent(t *testing.T) {
	dir := t.TempDir()
	stores := []*Store{openStore(t, dir), openStore(t, dir)}

	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			res, err := s.Commit(context.Background(), "run", node100, []byte("payload"))
			if err != nil {
				t.Errorf("Commit: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(stores[i%2])
	}
	wg.Wait()

	if outcomes[OutcomeInitial] != 1 || outcomes[OutcomeUnchanged] != 9 {
		t.Errorf("outcomes = %v, want exactly one initial commit", outcomes)
	}
}

func TestCommit_ConcurrentAlternatingContent(t *testing.T) {
	dir := t.TempDir()
	stores := []*Store{openStore(t, dir), openStore(t, dir)}
	contents := [][]byte{[]byte("A"), []byte("B")}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := stores[i%2].Commit(context.Background(), "run", node100, contents[(i/2)%2]); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	versions, err := stores[0].Log(node100)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i].Hash == versions[i-1].Hash {
			t.Errorf("versions %d and %d have identical content", versions[i-1].Seq, versions[i].Seq)
		}
		if versions[i].Seq != versions[i-1].Seq+1 {
			t.Errorf("sequence gap between %d and %d", versions[i-1].Seq, versions[i].Seq)
		}
	}

	// The working tree must hold exactly what the last commit produced.
	last := versions[len(versions)-1]
	want, err := stores[0].Show(node100, last.Seq)
	if err != nil {
		t.Fatal(err)
	}
	cur, err := stores[1].Read(node100)
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != string(want) {
		t.Errorf("working tree %q does not match last commit %q", cur, want)
	}
}

func TestCommit_CancelledContextLeavesHistory(t *testing.T) {
	s := openStore(t, t.TempDir())
	if _, err := s.Commit(context.Background(), "run", node100, []byte("good")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Commit(ctx, "run", node100, []byte("bad")); err == nil {
		t.Fatal("commit with cancelled context should fail")
	}
	cur, _ := s.Read(node100)
	if string(cur) != "good" {
		t.Errorf("history modified by failed commit: %q", cur)
	}
}

func TestOpen_Unwritable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	database, err := db.Open(filepath.Join(dir, "h.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	g, _ := guard.New(filepath.Join(dir, "lock"))

	if _, err := Open(filepath.Join(file, "history"), database.DB, g); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestIDListKey(t *testing.T) {
	s := openStore(t, t.TempDir())
	key := element.IDList("Castles")
	res, err := s.Commit(context.Background(), "run", key, []byte("1\n2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeInitial {
		t.Errorf("Outcome = %v", res.Outcome)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "ids-Castles.txt")); err != nil {
		t.Errorf("working tree file missing: %v", err)
	}
}

func TestCommit_LogFields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	s := openStore(t, t.TempDir())
	if _, err := s.Commit(context.Background(), "run-1", node100, []byte("v1\n")); err != nil {
		t.Fatal(err)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, `"History commit"`) {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no commit log line in:\n%s", buf.String())
	}
	if n := strings.Count(line, `"message":`); n != 1 {
		t.Errorf("%d message keys in %s", n, line)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatal(err)
	}
	if fields["commit_message"] != "node 100: initial version" {
		t.Errorf("commit_message = %v", fields["commit_message"])
	}
}
