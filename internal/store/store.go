package store

import (
	"time"

	"github.com/yourorg/selfopt/pkg/types"
)

// Store is the monitoring sink: exports, evolution audit and feedback log.
// Engine state is never restored from it.
type Store interface {
	SaveExport(snap *types.ExportSnapshot) (int64, error)
	LatestExport() (*types.ExportSnapshot, error)
	ListExports(limit int) ([]types.ExportRecord, error)

	SaveEvolution(ev types.EvolutionEvent) error
	ListEvolutions() ([]types.EvolutionEvent, error)

	SaveFeedback(fb types.Feedback, delivered bool, errMsg string) error
	ListFeedback(limit int) ([]types.FeedbackRecord, error)

	Prune(before time.Time) (int64, error)
	Close() error
}
