package domain

import "context"

// Source pages through orders matching a filter, oldest first. An empty
// cursor requests the first page.
type Source interface {
	Query(ctx context.Context, filter Filter, cursor string) (Page, error)
}

// Sink applies mutations to remote orders.
type Sink interface {
	ApplyFieldUpdates(ctx context.Context, orderID string, fields []FieldUpdate) (Cost, error)
	ApplyTag(ctx context.Context, orderID, tag string) (Cost, error)
}

// CredentialRefresher is implemented by clients that can renew their
// credentials after an auth failure.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}
