package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vitaltag/vitaltag/server/models"
	"go.uber.org/zap"
)

type fakeMessenger struct {
	mu sync.Mutex

	whatsAppEnabled bool
	whatsAppErr     error
	whatsAppDelay   time.Duration
	smsErr          error

	whatsAppCalls []string
	smsCalls      []string
}

func (f *fakeMessenger) WhatsAppEnabled() bool { return f.whatsAppEnabled }

func (f *fakeMessenger) SendWhatsApp(to, msg string) error {
	if f.whatsAppDelay > 0 {
		time.Sleep(f.whatsAppDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whatsAppCalls = append(f.whatsAppCalls, to)
	return f.whatsAppErr
}

func (f *fakeMessenger) SendSMS(to, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smsCalls = append(f.smsCalls, to)
	return f.smsErr
}

type fakeMailer struct {
	mu sync.Mutex

	enabled bool
	err     error
	sentTo  []string
}

func (f *fakeMailer) Enabled() bool { return f.enabled }

func (f *fakeMailer) Send(to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTo = append(f.sentTo, to...)
	return f.err
}

func testContact(firstName, phone, email string, priority int) models.Contact {
	return models.Contact{
		FirstName:   firstName,
		LastName:    "Doe",
		PhoneNumber: phone,
		Email:       email,
		Priority:    priority,
	}
}

func testAlert() Alert {
	return Alert{
		PatientName:  "Ada Gray",
		PatientID:    1,
		AccessorName: "Dr. Jane Doe",
		AccessorRole: models.ROLE_DOCTOR,
		TrustLevel:   "VERIFIED",
		OccurredAt:   time.Now().UTC(),
	}
}

func attemptsBy(attempts []Attempt, channel, status string) []Attempt {
	matched := []Attempt{}
	for _, attempt := range attempts {
		if attempt.Channel == channel && attempt.Status == status {
			matched = append(matched, attempt)
		}
	}
	return matched
}

func TestDispatchHealthyProviders(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: true}
	mailer := &fakeMailer{enabled: true}
	dispatcher := NewDispatcher(messenger, mailer, zap.NewNop().Sugar())

	contacts := []models.Contact{
		testContact("John", "+15551110001", "john@example.com", 1),
		testContact("Mary", "+15551110002", "mary@example.com", 2),
	}

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), contacts)

	assert.Len(t, attemptsBy(attempts, WHATSAPP_CHANNEL, SENT_ATTEMPT), 2)
	assert.Len(t, attemptsBy(attempts, EMAIL_CHANNEL, SENT_ATTEMPT), 2)
	assert.Empty(t, attemptsBy(attempts, SMS_CHANNEL, SENT_ATTEMPT), "no SMS fallback when WhatsApp succeeds")
	assert.Len(t, messenger.whatsAppCalls, 2)
	assert.Empty(t, messenger.smsCalls)
	assert.ElementsMatch(t, []string{"john@example.com", "mary@example.com"}, mailer.sentTo)
}

func TestDispatchFallsBackToSmsWhenWhatsAppDisabled(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: false}
	dispatcher := NewDispatcher(messenger, &fakeMailer{}, zap.NewNop().Sugar())

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "+15551110001", "", 1),
	})

	skipped := attemptsBy(attempts, WHATSAPP_CHANNEL, SKIPPED_ATTEMPT)
	sent := attemptsBy(attempts, SMS_CHANNEL, SENT_ATTEMPT)

	assert.Len(t, skipped, 1)
	assert.Len(t, sent, 1)
	assert.Equal(t, WHATSAPP_CHANNEL, sent[0].FallbackFrom)
	assert.Len(t, messenger.smsCalls, 1, "fallback fires exactly once")
	assert.Empty(t, messenger.whatsAppCalls)
}

func TestDispatchFallsBackToSmsOnWhatsAppFailure(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: true, whatsAppErr: errors.New("provider 500")}
	dispatcher := NewDispatcher(messenger, &fakeMailer{}, zap.NewNop().Sugar())

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "+15551110001", "", 1),
	})

	failed := attemptsBy(attempts, WHATSAPP_CHANNEL, FAILED_ATTEMPT)
	sent := attemptsBy(attempts, SMS_CHANNEL, SENT_ATTEMPT)

	assert.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "provider 500")
	assert.Len(t, sent, 1)
	assert.Equal(t, WHATSAPP_CHANNEL, sent[0].FallbackFrom)
	assert.Len(t, messenger.whatsAppCalls, 1, "the failed channel is never retried")
}

func TestDispatchTimesOutSlowProvider(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: true, whatsAppDelay: 200 * time.Millisecond}
	dispatcher := NewDispatcher(messenger, &fakeMailer{}, zap.NewNop().Sugar())
	dispatcher.callTimeout = 20 * time.Millisecond

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "+15551110001", "", 1),
	})

	failed := attemptsBy(attempts, WHATSAPP_CHANNEL, FAILED_ATTEMPT)
	assert.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "timed out")
	assert.Len(t, attemptsBy(attempts, SMS_CHANNEL, SENT_ATTEMPT), 1, "a timeout triggers the fallback")
}

func TestDispatchSkipsMessageChainWithoutPhoneNumber(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: true}
	mailer := &fakeMailer{enabled: true}
	dispatcher := NewDispatcher(messenger, mailer, zap.NewNop().Sugar())

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "", "john@example.com", 1),
	})

	assert.Len(t, attemptsBy(attempts, WHATSAPP_CHANNEL, SKIPPED_ATTEMPT), 1)
	assert.Empty(t, messenger.smsCalls, "no phone number means no SMS fallback either")
	assert.Len(t, attemptsBy(attempts, EMAIL_CHANNEL, SENT_ATTEMPT), 1, "email is independent of the message chain")
}

func TestDispatchAllChannelsFailingIsNotAnError(t *testing.T) {
	messenger := &fakeMessenger{
		whatsAppEnabled: true,
		whatsAppErr:     errors.New("whatsapp down"),
		smsErr:          errors.New("sms down"),
	}
	mailer := &fakeMailer{enabled: true, err: errors.New("smtp down")}
	dispatcher := NewDispatcher(messenger, mailer, zap.NewNop().Sugar())

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "+15551110001", "john@example.com", 1),
	})

	assert.Len(t, attempts, 3)
	assert.Empty(t, attemptsBy(attempts, WHATSAPP_CHANNEL, SENT_ATTEMPT))
	assert.Empty(t, attemptsBy(attempts, SMS_CHANNEL, SENT_ATTEMPT))
	assert.Empty(t, attemptsBy(attempts, EMAIL_CHANNEL, SENT_ATTEMPT))
}

func TestDispatchOneContactFailureDoesNotAffectOthers(t *testing.T) {
	messenger := &fakeMessenger{whatsAppEnabled: true}
	mailer := &fakeMailer{enabled: true, err: errors.New("smtp down")}
	dispatcher := NewDispatcher(messenger, mailer, zap.NewNop().Sugar())

	attempts := dispatcher.Dispatch(context.Background(), testAlert(), []models.Contact{
		testContact("John", "+15551110001", "john@example.com", 1),
		testContact("Mary", "+15551110002", "", 2),
	})

	assert.Len(t, attemptsBy(attempts, WHATSAPP_CHANNEL, SENT_ATTEMPT), 2,
		"the failing email channel never delays or fails the message chain")
}
