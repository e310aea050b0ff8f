package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// Mailer sends pre-built MIME messages through SESv2.
type Mailer struct {
	SES  SESAPI
	From string
}

// NewMailer returns a Mailer sending from the given address.
func NewMailer(client SESAPI, from string) *Mailer {
	return &Mailer{SES: client, From: from}
}

// SendRaw sends a raw MIME message and returns the SES message id.
func (m *Mailer) SendRaw(ctx context.Context, to string, raw []byte) (string, error) {
	out, err := m.SES.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &m.From,
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send email: %w", err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}
