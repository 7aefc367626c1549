// Package accounts provides the provider and account records consumed by the
// account setup orchestrator and its helper processes.
package accounts

import (
	"errors"
	"strconv"
)

// AccountID identifies a stored account. Stored accounts start at 1; the zero
// value marks an account that has not been saved yet.
type AccountID uint32

// String returns the decimal form used on helper command lines.
func (id AccountID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// Provider describes an account provider as declared by its descriptor file.
type Provider struct {
	ID          string
	DisplayName string
	Description string

	// Plugin is the optional plugin override from the descriptor's
	// <plugin> element.
	Plugin string
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.ID
}

// DeclaredPluginName returns the plugin override, or an empty string when the
// descriptor does not declare one.
func (p *Provider) DeclaredPluginName() string {
	return p.Plugin
}

// Account is a single account record.
type Account struct {
	ID          AccountID `yaml:"id"`
	Provider    string    `yaml:"provider"`
	DisplayName string    `yaml:"display_name,omitempty"`
	Enabled     bool      `yaml:"enabled"`
}

// ProviderName returns the name of the provider owning the account.
func (a *Account) ProviderName() string {
	return a.Provider
}

// Store is the read-only lookup service used by the orchestrator.
type Store interface {
	Provider(name string) (*Provider, error)
	Account(id AccountID) (*Account, error)
}

// Writer is implemented by stores that helpers can create accounts in.
type Writer interface {
	// NewAccount returns an unsaved account for the provider. Its ID is zero
	// until SaveAccount succeeds.
	NewAccount(providerName string) (*Account, error)
	SaveAccount(account *Account) error
}
