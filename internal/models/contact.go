package models

import "time"

// Contact is a resolvable send target: a phone-number-backed recipient the
// ContactStore collaborator resolves to a send address.
type Contact struct {
	ID                      int64      `json:"id" db:"id"`
	Phone                   string     `json:"phone" db:"phone"`
	Name                    *string    `json:"name,omitempty" db:"name"`
	BirthdayMMDD            *string    `json:"birthdayMMDD,omitempty" db:"birthday_mmdd"`
	BirthdayReminderEnabled bool       `json:"birthdayReminderEnabled" db:"birthday_reminder_enabled"`
	CreatedAt               time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt               *time.Time `json:"-" db:"deleted_at"`
}

// DisplayName returns the contact's name, falling back to the phone number.
func (c *Contact) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.Phone
}
