package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopfront/posmirror/internal/mirror/schema"
)

// FileSource serves a catalog export from disk in place of the server.
//
// Two layouts are accepted: a JSON array (the body of GET /api/products saved
// to a file) or JSONL with one product per line. It is meant for seeding a
// register that has no network yet and for fixtures.
type FileSource struct {
	Path string
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// FetchAll reads every product from the file.
// A missing or malformed file is ErrFetchFailed; nothing partial is returned.
func (f *FileSource) FetchAll(ctx context.Context) ([]*schema.RemoteProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read catalog file: %w", ErrFetchFailed, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		products, err := decodeProductArray(bytes.NewReader(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, f.Path, err)
		}
		return products, nil
	}

	products, err := decodeJSONL(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, f.Path, err)
	}
	return products, nil
}

func decodeJSONL(data []byte) ([]*schema.RemoteProduct, error) {
	products := []*schema.RemoteProduct{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var p schema.RemoteProduct
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		products = append(products, &p)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan catalog file: %w", err)
	}
	return products, nil
}

// WriteJSONL writes products one per line, the format FileSource reads.
func WriteJSONL(path string, products []*schema.RemoteProduct) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range products {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("failed to encode product %s: %w", p.ID, err)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write catalog file %s: %w", path, err)
	}
	return nil
}
