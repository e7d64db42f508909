package domain

import "context"

type ctxKey string

const (
	threadCtxKey   ctxKey = "thread_id"
	categoryCtxKey ctxKey = "category_filter"
)

// ContextWithThreadID returns a new context carrying the thread ID.
func ContextWithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadCtxKey, threadID)
}

// ThreadIDFromContext extracts the thread ID from the context.
// Returns empty string if not set.
func ThreadIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(threadCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithCategoryFilter returns a new context carrying a
// caller-supplied retrieval category restriction.
func ContextWithCategoryFilter(ctx context.Context, category string) context.Context {
	return context.WithValue(ctx, categoryCtxKey, category)
}

// CategoryFilterFromContext extracts the caller's category filter.
// Returns empty string if not set.
func CategoryFilterFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(categoryCtxKey).(string); ok {
		return v
	}
	return ""
}
