package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManualSourceNeverProducesValues(t *testing.T) {
	s, err := Parse("manual")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	values, ok, err := s.Next(context.Background())
	if err != nil || ok || values != nil {
		t.Fatalf("manual source should never produce a value, got (%v, %v, %v)", values, ok, err)
	}
}

func TestFileSourceReadsAppendedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vals.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	src, err := Parse("file:" + path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer src.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"values":[1,2,3]}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		values, ok, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ok {
			if len(values) != 3 || values[0] != 1 || values[2] != 3 {
				t.Fatalf("unexpected values: %v", values)
			}
			return
		}
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for the appended line")
		}
	}
}

func TestPushSourceKeepsOnlyLatest(t *testing.T) {
	s := NewPushSource()
	s.Push([]uint16{1})
	s.Push([]uint16{2, 3})

	values, ok, err := s.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected a value, got ok=%v err=%v", ok, err)
	}
	if len(values) != 2 || values[0] != 2 {
		t.Fatalf("expected the latest push to win, got %v", values)
	}

	_, ok, _ = s.Next(context.Background())
	if ok {
		t.Fatal("expected no further value after draining the single slot")
	}
}
