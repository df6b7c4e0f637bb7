// Copyright 2026 Annex Project
//
// Repositories aggregates every repository over one shared client.

package database

// Repositories provides access to all repositories.
type Repositories struct {
	Registry   *RegistryRepository
	Identities *IdentityRepository
	Federation *FederationRepository
	Events     *EventRepository
	Policy     *PolicyRepository

	client *Client
}

// NewRepositories creates all repositories with a shared database client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Registry:   NewRegistryRepository(client),
		Identities: NewIdentityRepository(client),
		Federation: NewFederationRepository(client),
		Events:     NewEventRepository(client),
		Policy:     NewPolicyRepository(client),
		client:     client,
	}
}

// Client returns the shared database client.
func (r *Repositories) Client() *Client {
	return r.client
}
