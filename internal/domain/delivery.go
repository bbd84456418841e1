package domain

import (
	"fmt"
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusCompleted DeliveryStatus = "completed"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

type Platform string

const (
	PlatformJava    Platform = "java"
	PlatformBedrock Platform = "bedrock"
)

func ParsePlatform(raw string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(raw))); p {
	case PlatformJava, PlatformBedrock:
		return p, nil
	case "":
		return "", fmt.Errorf("%w: platform is required", ErrValidation)
	default:
		return "", fmt.Errorf("%w: invalid platform %q, must be \"java\" or \"bedrock\"", ErrValidation, raw)
	}
}

// DefaultFailureMessage is recorded when a worker reports failure without a reason.
const DefaultFailureMessage = "Unknown error"

// DeliveryEvent names a lifecycle event that triggers a notification.
type DeliveryEvent string

const (
	DeliveryEventCreated   DeliveryEvent = "created"
	DeliveryEventCompleted DeliveryEvent = "completed"
	DeliveryEventFailed    DeliveryEvent = "failed"
)

// Notifications records, per lifecycle event, whether the outbound alert went out.
type Notifications struct {
	Created   bool `json:"created"`
	Completed bool `json:"completed"`
	Failed    bool `json:"failed"`
}

func (n *Notifications) Mark(event DeliveryEvent) {
	switch event {
	case DeliveryEventCreated:
		n.Created = true
	case DeliveryEventCompleted:
		n.Completed = true
	case DeliveryEventFailed:
		n.Failed = true
	}
}

type Delivery struct {
	ID            string
	Username      string
	Platform      Platform
	Package       string
	Status        DeliveryStatus
	CreatedAt     time.Time
	ExecutedAt    *time.Time
	ErrorMessage  *string
	Notifications Notifications
}

// NewDelivery validates the operator input and returns a pending delivery.
func NewDelivery(id, username, platform, packageName string, now time.Time) (*Delivery, error) {
	username = strings.TrimSpace(username)
	packageName = strings.TrimSpace(packageName)

	var missing []string
	if username == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(platform) == "" {
		missing = append(missing, "platform")
	}
	if packageName == "" {
		missing = append(missing, "package")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}

	p, err := ParsePlatform(platform)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: delivery id is required", ErrValidation)
	}

	return &Delivery{
		ID:        id,
		Username:  username,
		Platform:  p,
		Package:   packageName,
		Status:    DeliveryStatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

// MarkAsCompleted applies pending -> completed.
func (d *Delivery) MarkAsCompleted(now time.Time) error {
	if d.Status != DeliveryStatusPending {
		return &InvalidStateError{ID: d.ID, Current: d.Status}
	}
	executedAt := now.UTC()
	d.Status = DeliveryStatusCompleted
	d.ExecutedAt = &executedAt
	d.ErrorMessage = nil
	return nil
}

// MarkAsFailed applies pending -> failed. A blank reason is replaced with
// DefaultFailureMessage.
func (d *Delivery) MarkAsFailed(reason string, now time.Time) error {
	if d.Status != DeliveryStatusPending {
		return &InvalidStateError{ID: d.ID, Current: d.Status}
	}
	msg := FailureMessage(reason)
	executedAt := now.UTC()
	d.Status = DeliveryStatusFailed
	d.ExecutedAt = &executedAt
	d.ErrorMessage = &msg
	return nil
}

func FailureMessage(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return DefaultFailureMessage
}

// Transition is the conditional update a store applies atomically: it only
// takes effect while the stored status is still pending.
type Transition struct {
	ID           string
	To           DeliveryStatus
	ExecutedAt   time.Time
	ErrorMessage *string
}

// Validate rejects transitions no store may apply: a blank id or a target
// other than a terminal status.
func (t Transition) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: delivery ID is required", ErrValidation)
	}
	switch t.To {
	case DeliveryStatusCompleted, DeliveryStatusFailed:
		return nil
	}
	return fmt.Errorf("%w: unsupported target status %q", ErrValidation, t.To)
}

// Apply runs the transition against an in-memory copy of d.
func (t Transition) Apply(d *Delivery) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if d.ID != t.ID {
		return fmt.Errorf("%w: transition for %s applied to %s", ErrValidation, t.ID, d.ID)
	}
	switch t.To {
	case DeliveryStatusCompleted:
		return d.MarkAsCompleted(t.ExecutedAt)
	case DeliveryStatusFailed:
		reason := ""
		if t.ErrorMessage != nil {
			reason = *t.ErrorMessage
		}
		return d.MarkAsFailed(reason, t.ExecutedAt)
	default:
		return fmt.Errorf("%w: unsupported target status %q", ErrValidation, t.To)
	}
}

func CompleteTransition(id string, now time.Time) Transition {
	return Transition{ID: id, To: DeliveryStatusCompleted, ExecutedAt: now.UTC()}
}

func FailTransition(id, reason string, now time.Time) Transition {
	msg := FailureMessage(reason)
	return Transition{ID: id, To: DeliveryStatusFailed, ExecutedAt: now.UTC(), ErrorMessage: &msg}
}
