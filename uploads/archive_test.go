package uploads

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeTestZip(t *testing.T, files map[string]string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	w := zip.NewWriter(f)
	for name, content := range files {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip file: %v", err)
	}

	reopened, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen zip: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	return reopened
}

func TestReadZipCollectsRegularFiles(t *testing.T) {
	f := writeTestZip(t, map[string]string{
		"docs/readme.txt": "hello",
		"docs/guide.md":   "# Guide",
		"__MACOSX/.junk":  "ignored",
		"docs/.hidden":    "ignored",
		"../escape.txt":   "ignored",
	})
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	entries, skipped, err := readZip(f, info.Size())
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}

	byPath := make(map[string]string, len(entries))
	for _, entry := range entries {
		byPath[entry.Path] = string(entry.Data)
	}
	if byPath["docs/readme.txt"] != "hello" {
		t.Fatalf("readme content = %q", byPath["docs/readme.txt"])
	}
	if byPath["docs/guide.md"] != "# Guide" {
		t.Fatalf("guide content = %q", byPath["docs/guide.md"])
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, skip := range skipped {
		if skip.Path == "docs/readme.txt" || skip.Path == "docs/guide.md" {
			t.Fatalf("importable entry skipped: %+v", skip)
		}
	}
}

func TestDetectArchiveFormat(t *testing.T) {
	f := writeTestZip(t, map[string]string{"a.txt": "a"})

	// Extension wins when present.
	format, err := detectArchiveFormat(f, "upload.zip")
	if err != nil || format != archiveFormatZip {
		t.Fatalf("by extension: %q, %v", format, err)
	}

	// Magic bytes cover extensionless uploads.
	format, err = detectArchiveFormat(f, "upload")
	if err != nil || format != archiveFormatZip {
		t.Fatalf("by magic: %q, %v", format, err)
	}

	if _, err := detectArchiveFormat(f, "upload.tar.gz"); err == nil {
		t.Fatal("unsupported extension accepted")
	}
}

func TestSanitizeArchiveEntry(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		want       string
		wantReason bool
	}{
		{"plain", "docs/a.txt", "docs/a.txt", false},
		{"backslashes", `docs\b.txt`, "docs/b.txt", false},
		{"dot prefix", "./docs/c.txt", "docs/c.txt", false},
		{"traversal", "../../etc/passwd", "", true},
		{"macosx junk", "__MACOSX/d.txt", "", false},
		{"hidden file", "docs/.DS_Store", "", false},
		{"blank", "   ", "", false},
	}
	for _, tc := range cases {
		got, reason := sanitizeArchiveEntry(tc.input)
		if got != tc.want {
			t.Fatalf("%s: sanitized = %q, want %q", tc.name, got, tc.want)
		}
		if (reason != "") != tc.wantReason {
			t.Fatalf("%s: reason = %q", tc.name, reason)
		}
	}
}
