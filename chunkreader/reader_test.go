package chunkreader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"dirsync/config"
)

func open(t *testing.T, content []byte) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestEmptyFileYieldsOneTerminalChunk(t *testing.T) {
	r := open(t, nil)
	defer r.Close()

	chunk, isLast, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("chunk length = %d, want 0", len(chunk))
	}
	if !isLast {
		t.Fatalf("isLast = false, want true for an empty file")
	}
	if !r.Finished() {
		t.Fatalf("Finished() = false after the only chunk of an empty file")
	}
}

func TestExactMultipleOfDataSizeYieldsTrailingEmptyChunk(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, config.DataSize*2)
	r := open(t, content)
	defer r.Close()

	chunk1, isLast1, err := r.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if len(chunk1) != config.DataSize || isLast1 {
		t.Fatalf("chunk #1: len=%d isLast=%v, want len=%d isLast=false", len(chunk1), isLast1, config.DataSize)
	}

	chunk2, isLast2, err := r.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if len(chunk2) != config.DataSize || isLast2 {
		t.Fatalf("chunk #2: len=%d isLast=%v, want len=%d isLast=false", len(chunk2), isLast2, config.DataSize)
	}

	chunk3, isLast3, err := r.Next()
	if err != nil {
		t.Fatalf("Next #3: %v", err)
	}
	if len(chunk3) != 0 || !isLast3 {
		t.Fatalf("chunk #3: len=%d isLast=%v, want len=0 isLast=true", len(chunk3), isLast3)
	}
}

func TestPartialFinalChunk(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, config.DataSize+17)
	r := open(t, content)
	defer r.Close()

	chunk1, isLast1, err := r.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if len(chunk1) != config.DataSize || isLast1 {
		t.Fatalf("chunk #1: len=%d isLast=%v, want len=%d isLast=false", len(chunk1), isLast1, config.DataSize)
	}

	chunk2, isLast2, err := r.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if len(chunk2) != 17 || !isLast2 {
		t.Fatalf("chunk #2: len=%d isLast=%v, want len=17 isLast=true", len(chunk2), isLast2)
	}
}

func TestNextAfterFinishedIsStable(t *testing.T) {
	r := open(t, nil)
	defer r.Close()

	r.Next()
	chunk, isLast, err := r.Next()
	if err != nil || !isLast || len(chunk) != 0 {
		t.Fatalf("Next after Finished: chunk=%v isLast=%v err=%v", chunk, isLast, err)
	}
}

func TestReassemblyMatchesOriginal(t *testing.T) {
	content := bytes.Repeat([]byte{0x9A}, config.DataSize*3+42)
	r := open(t, content)
	defer r.Close()

	var got []byte
	for {
		chunk, isLast, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, chunk...)
		if isLast {
			break
		}
	}

	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled %d bytes, want %d bytes matching the source file", len(got), len(content))
	}
}
