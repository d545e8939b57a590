package rewards

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
	"github.com/bardlex/powgate/pkg/retry"
)

// entrySeparator splits a reward file into phrases
const entrySeparator = "\n\n"

// trimSet is stripped from both ends of every phrase
const trimSet = " \r\n"

// Source supplies raw phrases, e.g. a Redis list or a PostgreSQL table
type Source interface {
	ListRewards(ctx context.Context) ([]string, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) ([]string, error)

// ListRewards calls f
func (f SourceFunc) ListRewards(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Clean trims every phrase and drops the ones left empty
func Clean(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s := strings.Trim(r, trimSet); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Parse reads blank-line separated phrases from r
func Parse(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Clean(strings.Split(string(data), entrySeparator)), nil
}

// FileSource reads phrases from a text file, one phrase per blank-line separated block
type FileSource struct {
	Path string
}

// ListRewards reads and parses the file
func (f FileSource) ListRewards(context.Context) ([]string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_rewards", "failed to open reward file").
			WithContext("path", f.Path)
	}
	defer file.Close()

	phrases, err := Parse(file)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_rewards", "failed to read reward file").
			WithContext("path", f.Path)
	}
	return phrases, nil
}

// LoadFile builds a pool from a reward file
func LoadFile(path string) (*Pool, error) {
	return Load(context.Background(), FileSource{Path: path}, nil, log.Nop())
}

// Load fetches phrases from src, retrying transient failures per cfg, and builds a pool.
// A nil cfg means a single attempt.
func Load(ctx context.Context, src Source, cfg *retry.Config, logger *log.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = &retry.Config{MaxAttempts: 1}
	}

	raw, err := retry.DoWithResult(ctx, cfg, src.ListRewards)
	if err != nil {
		return nil, err
	}

	phrases := Clean(raw)
	logger.Info("reward phrases loaded", "count", len(phrases), "dropped", len(raw)-len(phrases))

	pool, err := New(phrases)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_rewards", fmt.Sprintf("unusable reward source %T", src))
	}
	return pool, nil
}
