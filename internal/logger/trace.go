package logger

import "context"

type attemptKey struct{}

// Attempt identifies one update run and the state it is in.
type Attempt struct {
	ID      string
	Version string
	State   string
}

// ContextWithAttempt returns a derived context carrying attempt.
func ContextWithAttempt(ctx context.Context, attempt Attempt) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// ContextWithState returns a derived context whose attempt is in state.
func ContextWithState(ctx context.Context, state string) context.Context {
	a := AttemptFromContext(ctx)
	a.State = state
	return ContextWithAttempt(ctx, a)
}

// AttemptFromContext extracts the Attempt stored in ctx.
func AttemptFromContext(ctx context.Context) Attempt {
	if ctx == nil {
		return Attempt{}
	}
	if a, ok := ctx.Value(attemptKey{}).(Attempt); ok {
		return a
	}
	return Attempt{}
}

// IsZero reports whether no identifier is set.
func (a Attempt) IsZero() bool {
	return a.ID == "" && a.Version == "" && a.State == ""
}

// ShortID is the first eight characters of the attempt ID.
func (a Attempt) ShortID() string {
	if len(a.ID) > 8 {
		return a.ID[:8]
	}
	return a.ID
}

func (a Attempt) fields() []Field {
	var fields []Field
	if a.ID != "" {
		fields = append(fields, String("attempt_id", a.ID))
	}
	if a.Version != "" {
		fields = append(fields, String("installed_version", a.Version))
	}
	if a.State != "" {
		fields = append(fields, String("state", a.State))
	}
	return fields
}
