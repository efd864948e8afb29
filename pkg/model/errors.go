package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Error categories. Every error returned by the core carries exactly one of
// them, so callers can branch with errors.Is.
var (
	// ErrConfiguration is fatal and raised at startup only.
	ErrConfiguration = goerr.New("configuration error")
	// ErrIngestion reports a failed ingestion; batches written before the
	// failure are kept and a rerun resumes from there.
	ErrIngestion = goerr.New("ingestion error")
	// ErrRetrieval reports a vector store or embedding failure on a read path.
	ErrRetrieval = goerr.New("retrieval error")
	// ErrMemoryWrite reports a failed turn write or session clear.
	ErrMemoryWrite = goerr.New("memory write error")
)

// Categorize attaches a category to err while keeping err in the chain.
func Categorize(category, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, category) {
		return err
	}
	return errors.Join(category, err)
}
