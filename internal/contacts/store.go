// Package contacts provides the default ContactStore: the abstraction the
// Scheduling Service and Dispatcher consume to resolve a recipient key
// (contact id or phone) to a send address, auto-creating contacts on
// first reference by phone. Contact/label/template CRUD beyond this is
// out of scope; a deployer wanting a different source of truth swaps in
// another ContactStore behind the same interface.
package contacts

import (
	"context"
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/repository"
)

const contactAddressSuffix = "@s.whatsapp.net"

// ContactStore resolves a recipient key to a send address and optional
// display name, auto-creating contacts on demand.
type ContactStore interface {
	// ResolveByPhone returns the contact for phone, creating it if unknown.
	// If the contact already exists and lacks a name, name (when non-nil
	// and non-empty) backfills it.
	ResolveByPhone(ctx context.Context, phone string, name *string) (*models.Contact, error)
	Get(ctx context.Context, id int64) (*models.Contact, error)
	// FormatAddress renders a contact's phone as a chat-protocol address.
	FormatAddress(contact *models.Contact) string
	// SetBirthday updates a contact's birthday field and reminder flag.
	SetBirthday(ctx context.Context, contactID int64, birthdayMMDD *string, enabled bool) error
}

// Store is the Postgres-backed default ContactStore, wrapping
// repository.ContactRepository.
type Store struct {
	repo repository.ContactRepository
}

// New constructs a Store.
func New(repo repository.ContactRepository) *Store {
	return &Store{repo: repo}
}

// ResolveByPhone implements ContactStore.
func (s *Store) ResolveByPhone(ctx context.Context, phone string, name *string) (*models.Contact, error) {
	existing, err := s.repo.GetByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if name != nil && *name != "" && (existing.Name == nil || *existing.Name == "") {
			existing.Name = name
			if err := s.repo.Update(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	contact := &models.Contact{Phone: phone, Name: name}
	if err := s.repo.Create(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// Get implements ContactStore.
func (s *Store) Get(ctx context.Context, id int64) (*models.Contact, error) {
	return s.repo.GetByID(ctx, id)
}

// FormatAddress implements ContactStore.
func (s *Store) FormatAddress(contact *models.Contact) string {
	return strings.TrimPrefix(contact.Phone, "+") + contactAddressSuffix
}

// SetBirthday implements ContactStore.
func (s *Store) SetBirthday(ctx context.Context, contactID int64, birthdayMMDD *string, enabled bool) error {
	contact, err := s.repo.GetByID(ctx, contactID)
	if err != nil {
		return err
	}
	contact.BirthdayMMDD = birthdayMMDD
	contact.BirthdayReminderEnabled = enabled
	return s.repo.Update(ctx, contact)
}

var _ ContactStore = (*Store)(nil)
