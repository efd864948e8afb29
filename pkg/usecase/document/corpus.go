package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	corpusExt = ".txt"
	// MaxCaseContent caps the text returned for a single case.
	MaxCaseContent = 10000
)

// Source lists and reads corpus documents. Names are plain file names such
// as "the_red_headed_league.txt".
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) (string, error)
}

// DirSource reads the ".txt" files of a local directory.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read corpus directory", goerr.V("dir", s.dir))
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), corpusExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirSource) Read(_ context.Context, name string) (string, error) {
	if name != filepath.Base(name) {
		return "", goerr.New("invalid case name", goerr.V("name", name))
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", goerr.Wrap(err, "failed to read corpus file", goerr.V("dir", s.dir), goerr.V("name", name))
	}
	return string(data), nil
}

// LoadCorpus reads every document of src. A file that cannot be read does
// not stop the others: the readable files are returned together with an
// ErrIngestion error naming each failure.
func LoadCorpus(ctx context.Context, src Source) (map[string]string, error) {
	logger := logging.From(ctx).With("op", "ingest")

	names, err := src.List(ctx)
	if err != nil {
		return nil, model.Categorize(model.ErrIngestion, goerr.Wrap(err, "failed to list corpus"))
	}

	corpus := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		text, err := src.Read(ctx, name)
		if err != nil {
			logger.Warn("failed to read corpus file", "name", name, "error", err)
			errs = append(errs, goerr.Wrap(err, "skipped unreadable corpus file", goerr.V("name", name)))
			continue
		}
		corpus[name] = text
	}

	logger.Debug("corpus loaded", "files", len(corpus), "failed", len(errs))
	if len(errs) > 0 {
		return corpus, model.Categorize(model.ErrIngestion, errors.Join(errs...))
	}
	return corpus, nil
}

// Case describes one corpus document.
type Case struct {
	Filename string `json:"filename"`
	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
}

// ListCases returns every case of src with a title derived from its name.
func ListCases(ctx context.Context, src Source) ([]*Case, error) {
	names, err := src.List(ctx)
	if err != nil {
		return nil, err
	}

	cases := make([]*Case, len(names))
	for i, name := range names {
		cases[i] = &Case{Filename: name, Title: CaseTitle(name)}
	}
	return cases, nil
}

// GetCase reads one case. The ".txt" suffix is optional and content longer
// than MaxCaseContent runes is cut with a trailing "...".
func GetCase(ctx context.Context, src Source, name string) (*Case, error) {
	if !strings.HasSuffix(name, corpusExt) {
		name += corpusExt
	}

	content, err := src.Read(ctx, name)
	if err != nil {
		return nil, err
	}

	if runes := []rune(content); len(runes) > MaxCaseContent {
		content = string(runes[:MaxCaseContent]) + "..."
	}

	return &Case{Filename: name, Title: CaseTitle(name), Content: content}, nil
}

// CaseTitle turns "the_speckled_band.txt" into "The Speckled Band".
func CaseTitle(filename string) string {
	words := strings.Fields(strings.ReplaceAll(strings.TrimSuffix(filename, corpusExt), "_", " "))
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
