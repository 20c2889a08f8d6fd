package attendance

import (
	"context"
	"time"
)

// NewMember is the registration payload.
type NewMember struct {
	ID string `json:"id"`
	Profile
}

// Registry maps member ids to profiles.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a registry over the store.
func NewRegistry(store Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, now: now}
}

// Register creates a member with a member-chosen id.
func (r *Registry) Register(ctx context.Context, in NewMember) (Member, error) {
	p := in.Profile.normalize()
	v := p.validate()
	if !ValidMemberID(in.ID) {
		v.add("id", "must be exactly 6 digits")
	}
	if err := v.orNil(); err != nil {
		return Member{}, err
	}

	m := Member{
		ID:        in.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		CreatedAt: r.now().UTC().Truncate(time.Millisecond),
	}
	if err := r.store.CreateMember(ctx, m); err != nil {
		return Member{}, err
	}
	return m, nil
}

// IDAvailable reports whether id can still be registered.
func (r *Registry) IDAvailable(ctx context.Context, id string) (bool, error) {
	if err := checkMemberID("id", id); err != nil {
		return false, err
	}
	return r.store.IDAvailable(ctx, id)
}

// Get returns the member with id.
func (r *Registry) Get(ctx context.Context, id string) (Member, error) {
	return r.store.GetMember(ctx, id)
}

// List returns every member ordered by id.
func (r *Registry) List(ctx context.Context) ([]Member, error) {
	return r.store.ListMembers(ctx)
}
