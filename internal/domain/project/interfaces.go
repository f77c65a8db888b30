package project

import "context"

// Repository provides read access to persisted projects. Writes go through
// the session store together with the rest of the session state.
type Repository interface {
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]Summary, error)
}
