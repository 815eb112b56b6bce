package uow

import "context"

// RunBackground runs fn inside a fresh background scope bound to session.
// Events fn routes through the mediator are dispatched immediately and
// committed by the CommitHandler. Whatever is still uncommitted when fn returns
// is rolled back.
func RunBackground(ctx context.Context, session Session, fn func(ctx context.Context) error) error {
	scope := NewScope(Background, session)
	ctx = WithScope(ctx, scope)

	defer func() {
		if session != nil {
			session.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	return scope.Failure()
}
