package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquaguardian/models"
)

func testReport() *models.Report {
	label := "oil_spill"
	url := "http://s3/evidence/abc.jpg"
	return &models.Report{
		ID:          "r-1",
		SubmitterID: "u-1",
		Latitude:    19.076,
		Longitude:   72.8777,
		Description: "Black <film> on the water",
		Severity:    8,
		Label:       &label,
		Confidence:  0.95,
		EvidenceURL: &url,
		Status:      models.StatusPending,
		CreatedAt:   time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestNewEscalation(t *testing.T) {
	e := NewEscalation(testReport())
	assert.Equal(t, "r-1", e.ReportID)
	assert.Equal(t, "oil_spill", e.Label)
	assert.Equal(t, 0.95, e.Confidence)
	assert.Equal(t, "http://s3/evidence/abc.jpg", e.EvidenceURL)
	assert.False(t, e.EscalatedAt.IsZero())
}

type fakePublisher struct {
	mu       sync.Mutex
	keys     []string
	messages []interface{}
	err      error
}

func (p *fakePublisher) PublishWithRoutingKey(ctx context.Context, routingKey string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.messages = append(p.messages, message)
	return nil
}

func TestRabbitNotifier(t *testing.T) {
	p := &fakePublisher{}
	n := NewRabbitNotifier(p, "report.escalation")

	require.NoError(t, n.Notify(context.Background(), testReport()))
	require.Len(t, p.messages, 1)
	assert.Equal(t, "report.escalation", p.keys[0])
	e, ok := p.messages[0].(Escalation)
	require.True(t, ok)
	assert.Equal(t, "r-1", e.ReportID)

	p.err = errors.New("channel closed")
	assert.Error(t, n.Notify(context.Background(), testReport()))
}

type fakeMailSender struct {
	sent   []*mail.SGMailV3
	status map[string]int
}

func (s *fakeMailSender) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	s.sent = append(s.sent, email)
	to := email.Personalizations[0].To[0].Address
	if code, ok := s.status[to]; ok {
		return &rest.Response{StatusCode: code, Body: "rejected"}, nil
	}
	return &rest.Response{StatusCode: 202}, nil
}

func TestEmailNotifier(t *testing.T) {
	testCases := []struct {
		name        string
		recipients  []string
		status      map[string]int
		expectError bool
	}{
		{
			name:       "All delivered",
			recipients: []string{"a@city.gov", "b@city.gov"},
		}, {
			name:       "Partial failure",
			recipients: []string{"a@city.gov", "b@city.gov"},
			status:     map[string]int{"b@city.gov": 400},
		}, {
			name:        "All failed",
			recipients:  []string{"a@city.gov"},
			status:      map[string]int{"a@city.gov": 500},
			expectError: true,
		}, {
			name:        "No recipients",
			expectError: true,
		},
	}

	for _, testCase := range testCases {
		sender := &fakeMailSender{status: testCase.status}
		n := NewEmailNotifierWithSender(sender, "Aqua Guardian", "alerts@aquaguardian.org", testCase.recipients)
		err := n.Notify(context.Background(), testReport())
		assert.Equal(t, testCase.expectError, err != nil, testCase.name)
		assert.Len(t, sender.sent, len(testCase.recipients), testCase.name)
	}
}

func TestEmailContent(t *testing.T) {
	e := NewEscalation(testReport())
	text := emailText(e)
	assert.Contains(t, text, "oil spill")
	assert.Contains(t, text, "95.0%")
	assert.Contains(t, text, "19.076000, 72.877700")

	body := emailHTML(e)
	assert.Contains(t, body, "Black &lt;film&gt; on the water")
	assert.False(t, strings.Contains(body, "<film>"))
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(ctx context.Context, report *models.Report) error {
	c.calls++
	return c.err
}

func TestMulti(t *testing.T) {
	ok := &countingNotifier{}
	failing := &countingNotifier{err: errors.New("smtp down")}
	m := Multi{failing, ok, NewLogNotifier()}

	err := m.Notify(context.Background(), testReport())
	assert.Error(t, err)
	assert.Equal(t, 1, ok.calls, "a failing backend does not stop the others")
	assert.Equal(t, 1, failing.calls)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), testReport()))
}
