package uow

import (
	"context"
	"log/slog"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/observability"
)

// CommitHandler is a catch-all post handler that commits the scope's session
// after every notification dispatched in a background scope. In interactive
// scopes it does nothing; the orchestrator owns the commit there.
type CommitHandler struct {
	logger *slog.Logger
}

// NewCommitHandler creates a commit handler. A nil logger uses slog.Default().
func NewCommitHandler(logger *slog.Logger) *CommitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitHandler{logger: logger}
}

// Name implements the dispatcher's naming hook.
func (h *CommitHandler) Name() string { return "commit" }

// Handles returns nil (all event types).
func (h *CommitHandler) Handles() []string { return nil }

// Handle commits the background session bound to ctx, if any.
func (h *CommitHandler) Handle(ctx context.Context, evt event.Event) error {
	scope, ok := FromContext(ctx)
	if !ok || scope.Mode() != Background || scope.Session() == nil {
		return nil
	}
	if err := scope.Failure(); err != nil {
		return err
	}

	if _, err := scope.Session().Commit(ctx); err != nil {
		observability.LogCommitError(h.logger, evt.Type(), err)
		return &everrors.CommitFailure{Err: err}
	}
	scope.MarkCommitted()
	return nil
}
