package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/apex/log"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"aquaguardian/models"
)

// MailSender is satisfied by *sendgrid.Client.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier mails every configured authority address
type EmailNotifier struct {
	client     MailSender
	fromName   string
	fromEmail  string
	recipients []string
}

func NewEmailNotifier(apiKey, fromName, fromEmail string, recipients []string) *EmailNotifier {
	return NewEmailNotifierWithSender(sendgrid.NewSendClient(apiKey), fromName, fromEmail, recipients)
}

func NewEmailNotifierWithSender(client MailSender, fromName, fromEmail string, recipients []string) *EmailNotifier {
	return &EmailNotifier{
		client:     client,
		fromName:   fromName,
		fromEmail:  fromEmail,
		recipients: recipients,
	}
}

// Notify sends one mail per recipient. It fails only when no mail went out.
func (n *EmailNotifier) Notify(ctx context.Context, report *models.Report) error {
	if len(n.recipients) == 0 {
		return errors.New("no authority recipients configured")
	}
	e := NewEscalation(report)

	var errs []error
	for _, recipient := range n.recipients {
		if err := n.sendOne(ctx, recipient, e); err != nil {
			log.Warnf("Error sending escalation for %s to %s: %v", e.ReportID, recipient, err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(n.recipients) {
		return fmt.Errorf("escalation email for %s failed for all recipients: %w", e.ReportID, errors.Join(errs...))
	}
	return nil
}

func (n *EmailNotifier) sendOne(ctx context.Context, recipient string, e Escalation) error {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(n.fromName, n.fromEmail))
	message.Subject = fmt.Sprintf("Pollution alert: %s (%.0f%% confidence)", labelText(e.Label), e.Confidence*100)

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(recipient, recipient))
	message.AddPersonalizations(p)

	message.AddContent(mail.NewContent("text/plain", emailText(e)))
	message.AddContent(mail.NewContent("text/html", emailHTML(e)))

	response, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body)
	}
	log.Infof("Escalation for %s sent to %s! Status: %d", e.ReportID, recipient, response.StatusCode)
	return nil
}

func labelText(label string) string {
	return strings.ReplaceAll(label, "_", " ")
}

func emailText(e Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A citizen report was classified as %s with %.1f%% confidence.\n\n", labelText(e.Label), e.Confidence*100)
	fmt.Fprintf(&b, "Report: %s\n", e.ReportID)
	fmt.Fprintf(&b, "Severity: %d\n", e.Severity)
	fmt.Fprintf(&b, "Location: %.6f, %.6f\n", e.Latitude, e.Longitude)
	fmt.Fprintf(&b, "Submitted: %s\n", e.CreatedAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Description: %s\n", e.Description)
	if e.EvidenceURL != "" {
		fmt.Fprintf(&b, "Photo: %s\n", e.EvidenceURL)
	}
	return b.String()
}

func emailHTML(e Escalation) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>Pollution alert: %s</h2>", html.EscapeString(labelText(e.Label)))
	fmt.Fprintf(&b, "<p>A citizen report was classified with <b>%.1f%%</b> confidence.</p>", e.Confidence*100)
	b.WriteString("<table>")
	fmt.Fprintf(&b, "<tr><td>Report</td><td>%s</td></tr>", html.EscapeString(e.ReportID))
	fmt.Fprintf(&b, "<tr><td>Severity</td><td>%d</td></tr>", e.Severity)
	fmt.Fprintf(&b, "<tr><td>Location</td><td><a href=\"https://www.google.com/maps?q=%.6f,%.6f\">%.6f, %.6f</a></td></tr>",
		e.Latitude, e.Longitude, e.Latitude, e.Longitude)
	fmt.Fprintf(&b, "<tr><td>Description</td><td>%s</td></tr>", html.EscapeString(e.Description))
	b.WriteString("</table>")
	if e.EvidenceURL != "" {
		fmt.Fprintf(&b, "<p><img src=\"%s\" alt=\"report photo\" width=\"480\"/></p>", html.EscapeString(e.EvidenceURL))
	}
	b.WriteString("</body></html>")
	return b.String()
}
