package registrar

import "context"

type sourceKey struct{}

// WithSource labels submissions made with ctx, e.g. "intake" or "batch".
// The label reaches OnResult through Attempt.Source.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the label set by WithSource, or "".
func SourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}
