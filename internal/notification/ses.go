package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"rankdelivery/internal/domain"
)

// EmailAPI is the subset of *sesv2.Client used here.
type EmailAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SES struct {
	client EmailAPI
	from   string
	to     []string
	logger *zap.Logger
}

func NewSES(client EmailAPI, from string, to []string, logger *zap.Logger) *SES {
	return &SES{client: client, from: from, to: to, logger: logger}
}

func (n *SES) NotifyCreated(ctx context.Context, d domain.Delivery) bool {
	return n.send(ctx, domain.DeliveryEventCreated, d,
		fmt.Sprintf("New rank delivery: %s for %s", d.Package, d.Username))
}

func (n *SES) NotifyCompleted(ctx context.Context, d domain.Delivery) bool {
	return n.send(ctx, domain.DeliveryEventCompleted, d,
		fmt.Sprintf("Delivery completed: %s for %s", d.Package, d.Username))
}

func (n *SES) NotifyFailed(ctx context.Context, d domain.Delivery) bool {
	return n.send(ctx, domain.DeliveryEventFailed, d,
		fmt.Sprintf("Delivery failed: %s for %s", d.Package, d.Username))
}

func (n *SES) send(ctx context.Context, event domain.DeliveryEvent, d domain.Delivery, subject string) bool {
	if len(n.to) == 0 {
		return false
	}
	_, err := n.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses: n.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(emailBody(d))},
				},
			},
		},
	})
	if err != nil {
		n.logger.Error("Failed to send delivery email",
			zap.String("event", string(event)),
			zap.String("delivery_id", d.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func emailBody(d domain.Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivery: %s\n", d.ID)
	fmt.Fprintf(&b, "Username: %s\n", d.Username)
	fmt.Fprintf(&b, "Platform: %s\n", strings.ToUpper(string(d.Platform)))
	fmt.Fprintf(&b, "Package:  %s\n", d.Package)
	fmt.Fprintf(&b, "Status:   %s\n", d.Status)
	fmt.Fprintf(&b, "Created:  %s\n", d.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	if d.ExecutedAt != nil {
		fmt.Fprintf(&b, "Executed: %s\n", d.ExecutedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if d.ErrorMessage != nil {
		fmt.Fprintf(&b, "Error:    %s\n", *d.ErrorMessage)
	}
	return b.String()
}
