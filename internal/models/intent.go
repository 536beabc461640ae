package models

import (
	"fmt"
	"time"
)

// IntentStatus represents the lifecycle state of an Intent.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusSent      IntentStatus = "sent"
	IntentStatusDelivered IntentStatus = "delivered"
	IntentStatusFailed    IntentStatus = "failed"
	IntentStatusCancelled IntentStatus = "cancelled"
)

// IsTerminal reports whether status is sticky absent an explicit Retry.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusSent, IntentStatusDelivered, IntentStatusFailed, IntentStatusCancelled:
		return true
	default:
		return false
	}
}

// MediaKind enumerates the media attachment types a send may carry.
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindAudio    MediaKind = "audio"
	MediaKindDocument MediaKind = "document"
)

// RecipientKind distinguishes a direct contact send from a group send.
type RecipientKind string

const (
	RecipientKindContact RecipientKind = "contact"
	RecipientKindGroup   RecipientKind = "group"
)

// Recipient identifies exactly one target: a contact or a group.
type Recipient struct {
	Kind      RecipientKind `json:"kind" db:"recipient_kind"`
	ContactID *int64        `json:"contactId,omitempty" db:"contact_id"`
	GroupID   *string       `json:"groupId,omitempty" db:"group_id"`
}

// Validate enforces exactly-one-recipient-kind.
func (r Recipient) Validate() error {
	switch r.Kind {
	case RecipientKindContact:
		if r.ContactID == nil {
			return fmt.Errorf("contact recipient requires contactId")
		}
	case RecipientKindGroup:
		if r.GroupID == nil || *r.GroupID == "" {
			return fmt.Errorf("group recipient requires groupId")
		}
	default:
		return fmt.Errorf("unknown recipient kind %q", r.Kind)
	}
	return nil
}

// Media describes an optional attachment on an Intent.
type Media struct {
	URL  string    `json:"url" db:"media_url"`
	Kind MediaKind `json:"kind" db:"media_kind"`
}

// Intent is one scheduled or immediate send.
type Intent struct {
	ID                int64        `json:"id" db:"id"`
	Recipient         Recipient    `json:"recipient"`
	Content           string       `json:"content" db:"content"`
	Media             *Media       `json:"media,omitempty"`
	ScheduledAt       time.Time    `json:"scheduledAt" db:"scheduled_at"`
	Status            IntentStatus `json:"status" db:"status"`
	ProviderMessageID *string      `json:"providerMessageId,omitempty" db:"provider_message_id"`
	SentAt            *time.Time   `json:"sentAt,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time   `json:"deliveredAt,omitempty" db:"delivered_at"`
	FailedAt          *time.Time   `json:"failedAt,omitempty" db:"failed_at"`
	FailureReason     *string      `json:"failureReason,omitempty" db:"failure_reason"`
	Attempts          int          `json:"attempts" db:"attempts"`
	RecurrenceRuleID  *int64       `json:"recurrenceRuleId,omitempty" db:"recurrence_rule_id"`
	CreatedAt         time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time    `json:"updatedAt" db:"updated_at"`
}

// Validate checks the structural invariants from the data model: a valid
// recipient, content or media present, and any media carrying a known kind
// and a non-empty URL.
func (i *Intent) Validate() error {
	if err := i.Recipient.Validate(); err != nil {
		return err
	}
	if i.Content == "" && i.Media == nil {
		return fmt.Errorf("content or media is required")
	}
	if i.Media != nil {
		switch i.Media.Kind {
		case MediaKindImage, MediaKindVideo, MediaKindAudio, MediaKindDocument:
		default:
			return fmt.Errorf("invalid media kind %q", i.Media.Kind)
		}
		if i.Media.URL == "" {
			return fmt.Errorf("media url is required when media kind is set")
		}
	}
	return nil
}

// IsImmediate reports whether the intent should dispatch with zero delay:
// scheduledAt absent (zero value) or not after now.
func (i *Intent) IsImmediate(now time.Time) bool {
	return i.ScheduledAt.IsZero() || !i.ScheduledAt.After(now)
}

// CanEdit mirrors the Scheduling Service's Edit precondition.
func (i *Intent) CanEdit() bool {
	return i.Status == IntentStatusPending
}

// CanCancel mirrors the Scheduling Service's Cancel precondition.
func (i *Intent) CanCancel() bool {
	return i.Status == IntentStatusPending
}

// CanRetry mirrors the Scheduling Service's Retry precondition.
func (i *Intent) CanRetry() bool {
	return i.Status == IntentStatusFailed
}

// JobID is the client-chosen Job Runtime identifier for this intent's send job.
func (i *Intent) JobID() string {
	return fmt.Sprintf("intent-%d", i.ID)
}
