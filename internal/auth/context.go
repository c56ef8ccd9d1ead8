// ABOUTME: Carries the authenticated caller through request contexts
// ABOUTME: Set by the HTTP middleware and read by handlers for logging

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a context carrying the authenticated subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the authenticated subject, or "" when the request was
// not authenticated.
func SubjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
