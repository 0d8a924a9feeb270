package uploads

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveBytes int64 = 100 * 1024 * 1024
	maxEntryBytes   int64 = 10 * 1024 * 1024

	archiveFormatZip = "zip"
	archiveFormatRar = "rar"
)

// archiveEntry is a regular file pulled out of an uploaded archive.
type archiveEntry struct {
	Path string
	Data []byte
}

// SkippedEntry records why an archive member was not imported.
type SkippedEntry struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// readArchive expands an uploaded zip or rar archive into memory. Entries
// that cannot be imported are reported rather than failing the whole batch;
// only a malformed archive is an error.
func readArchive(fileHeader *multipart.FileHeader) ([]archiveEntry, []SkippedEntry, error) {
	if fileHeader == nil {
		return nil, nil, errors.New("uploads: archive file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxArchiveBytes {
		return nil, nil, fmt.Errorf("uploads: archive size exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "kapture-archive-*")
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: copy archive: %w", err)
	}
	if written > maxArchiveBytes {
		return nil, nil, fmt.Errorf("uploads: archive size exceeds %d bytes", maxArchiveBytes)
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("uploads: rewind temp file: %w", err)
	}
	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("uploads: rewind temp file: %w", err)
	}

	switch format {
	case archiveFormatZip:
		return readZip(tmpFile, written)
	case archiveFormatRar:
		return readRar(tmpFile.Name())
	default:
		return nil, nil, errors.New("uploads: unsupported archive format")
	}
}

func readZip(tmpFile *os.File, size int64) ([]archiveEntry, []SkippedEntry, error) {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: parse archive: %w", err)
	}

	var entries []archiveEntry
	var skipped []SkippedEntry
	for _, file := range reader.File {
		sanitized, reason := sanitizeArchiveEntry(file.Name)
		if reason != "" {
			skipped = append(skipped, SkippedEntry{Path: file.Name, Reason: reason})
			continue
		}
		if sanitized == "" || file.FileInfo().IsDir() {
			continue
		}
		if file.UncompressedSize64 > uint64(maxEntryBytes) {
			skipped = append(skipped, SkippedEntry{Path: sanitized, Reason: "entry too large"})
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("uploads: open entry %s: %w", sanitized, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("uploads: read entry %s: %w", sanitized, err)
		}
		if int64(len(data)) > maxEntryBytes {
			skipped = append(skipped, SkippedEntry{Path: sanitized, Reason: "entry too large"})
			continue
		}

		entries = append(entries, archiveEntry{Path: sanitized, Data: data})
	}

	if len(entries) == 0 && len(skipped) == 0 {
		return nil, nil, errors.New("uploads: archive is empty")
	}
	return entries, skipped, nil
}

func readRar(tmpPath string) ([]archiveEntry, []SkippedEntry, error) {
	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: reopen temp archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: parse rar archive: %w", err)
	}

	var entries []archiveEntry
	var skipped []SkippedEntry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("uploads: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}

		sanitized, reason := sanitizeArchiveEntry(header.Name)
		if reason != "" || sanitized == "" {
			if reason != "" {
				skipped = append(skipped, SkippedEntry{Path: header.Name, Reason: reason})
			}
			if _, err := io.Copy(io.Discard, rr); err != nil {
				return nil, nil, fmt.Errorf("uploads: discard rar entry: %w", err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rr, maxEntryBytes+1))
		if err != nil {
			return nil, nil, fmt.Errorf("uploads: read entry %s: %w", sanitized, err)
		}
		if int64(len(data)) > maxEntryBytes {
			skipped = append(skipped, SkippedEntry{Path: sanitized, Reason: "entry too large"})
			if _, err := io.Copy(io.Discard, rr); err != nil {
				return nil, nil, fmt.Errorf("uploads: discard rar entry: %w", err)
			}
			continue
		}

		entries = append(entries, archiveEntry{Path: sanitized, Data: data})
	}

	if len(entries) == 0 && len(skipped) == 0 {
		return nil, nil, errors.New("uploads: archive is empty")
	}
	return entries, skipped, nil
}

func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("uploads: read archive header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 2 && headerSlice[0] == 0x50 && headerSlice[1] == 0x4b {
		return archiveFormatZip, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return archiveFormatRar, nil
	}

	if ext != "" {
		return "", fmt.Errorf("uploads: unsupported archive format %q", ext)
	}
	return "", errors.New("uploads: unsupported archive format, only .zip and .rar are accepted")
}

// sanitizeArchiveEntry normalizes an archive member path. A non-empty reason
// marks the entry as unimportable.
func sanitizeArchiveEntry(name string) (sanitized, reason string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ""
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", ""
	}
	if strings.HasPrefix(normalized, "../") || strings.HasPrefix(normalized, "/") {
		return "", "path escapes archive root"
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", ""
	}
	if base := path.Base(normalized); strings.HasPrefix(base, ".") {
		return "", ""
	}
	return normalized, ""
}
