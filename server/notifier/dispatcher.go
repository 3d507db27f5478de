package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitaltag/vitaltag/colors"
	"github.com/vitaltag/vitaltag/server/hospitals"
	"github.com/vitaltag/vitaltag/server/models"
	"go.uber.org/zap"
)

const (
	WHATSAPP_CHANNEL = "whatsapp"
	SMS_CHANNEL      = "sms"
	EMAIL_CHANNEL    = "email"

	SENT_ATTEMPT    = "SENT"
	FAILED_ATTEMPT  = "FAILED"
	SKIPPED_ATTEMPT = "SKIPPED"

	// Hard cap on a single provider call. Hitting it triggers the one
	// allowed fallback, never a retry.
	PROVIDER_CALL_TIMEOUT = 3 * time.Second
)

var errProviderTimeout = errors.New("provider call timed out")

// Messenger is the WhatsApp-class/SMS-class provider pair (twilio wrapper
// in production).
type Messenger interface {
	WhatsAppEnabled() bool
	SendWhatsApp(to, msg string) error
	SendSMS(to, msg string) error
}

// Mailer is the Email-class channel. It is independent of the
// WhatsApp/SMS fallback chain.
type Mailer interface {
	Enabled() bool
	Send(to []string, subject, body string) error
}

// Alert carries everything the message templates need.
type Alert struct {
	PatientName     string
	PatientID       uint
	AccessorName    string
	AccessorRole    string
	TrustLevel      string
	Location        string
	NearestHospital string
	Hospitals       []hospitals.Candidate
	OccurredAt      time.Time
}

// Attempt is the ephemeral outcome of one (contact, channel) delivery.
// Surfaced only in the dispatch result & logs, never persisted.
type Attempt struct {
	ContactName  string
	Channel      string
	Status       string
	FallbackFrom string
	AttemptedAt  time.Time
	Error        string
}

type Dispatcher struct {
	messenger   Messenger
	mailer      Mailer
	callTimeout time.Duration
	logg        *zap.SugaredLogger
}

func NewDispatcher(messenger Messenger, mailer Mailer, logg *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		messenger:   messenger,
		mailer:      mailer,
		callTimeout: PROVIDER_CALL_TIMEOUT,
		logg:        logg,
	}
}

// Dispatch fans the alert out to every contact in the list, every
// (contact x channel) attempt running concurrently. One contact's or one
// channel's failure never delays or fails any other attempt; a contact
// whose channels all fail is logged as a warning & nothing more. Contacts
// are expected pre-ordered by priority ascending (the store returns them
// that way).
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert, contacts []models.Contact) []Attempt {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		attempts []Attempt
	)

	record := func(results ...Attempt) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, results...)
	}

	body := messageBody(alert)
	subject, emailBody := emailContent(alert)

	for _, contact := range contacts {
		contact := contact

		wg.Add(1)
		go func() {
			defer wg.Done()
			record(d.sendMessageChain(ctx, contact, body)...)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			record(d.sendEmail(ctx, contact, subject, emailBody))
		}()
	}

	wg.Wait()

	d.logDispatchOutcome(alert, attempts)
	return attempts
}

// sendMessageChain runs the WhatsApp -> SMS fallback chain for one contact:
// primary channel once, on failure or timeout the secondary exactly once.
func (d *Dispatcher) sendMessageChain(ctx context.Context, contact models.Contact, body string) []Attempt {
	if contact.PhoneNumber == "" {
		return []Attempt{
			newAttempt(contact, WHATSAPP_CHANNEL, SKIPPED_ATTEMPT, "", "no phone number on file"),
		}
	}

	if !d.messenger.WhatsAppEnabled() {
		skipped := newAttempt(contact, WHATSAPP_CHANNEL, SKIPPED_ATTEMPT, "", "whatsapp provider disabled")
		return []Attempt{skipped, d.sendSMS(ctx, contact, body, WHATSAPP_CHANNEL)}
	}

	err := d.callProvider(ctx, func() error {
		return d.messenger.SendWhatsApp(contact.PhoneNumber, body)
	})
	if err == nil {
		return []Attempt{newAttempt(contact, WHATSAPP_CHANNEL, SENT_ATTEMPT, "", "")}
	}

	failed := newAttempt(contact, WHATSAPP_CHANNEL, FAILED_ATTEMPT, "", err.Error())
	return []Attempt{failed, d.sendSMS(ctx, contact, body, WHATSAPP_CHANNEL)}
}

func (d *Dispatcher) sendSMS(ctx context.Context, contact models.Contact, body, fallbackFrom string) Attempt {
	err := d.callProvider(ctx, func() error {
		return d.messenger.SendSMS(contact.PhoneNumber, body)
	})
	if err != nil {
		return newAttempt(contact, SMS_CHANNEL, FAILED_ATTEMPT, fallbackFrom, err.Error())
	}

	return newAttempt(contact, SMS_CHANNEL, SENT_ATTEMPT, fallbackFrom, "")
}

func (d *Dispatcher) sendEmail(ctx context.Context, contact models.Contact, subject, body string) Attempt {
	if contact.Email == "" {
		return newAttempt(contact, EMAIL_CHANNEL, SKIPPED_ATTEMPT, "", "no email on file")
	}

	if !d.mailer.Enabled() {
		return newAttempt(contact, EMAIL_CHANNEL, SKIPPED_ATTEMPT, "", "mailer disabled")
	}

	err := d.callProvider(ctx, func() error {
		return d.mailer.Send([]string{contact.Email}, subject, body)
	})
	if err != nil {
		return newAttempt(contact, EMAIL_CHANNEL, FAILED_ATTEMPT, "", err.Error())
	}

	return newAttempt(contact, EMAIL_CHANNEL, SENT_ATTEMPT, "", "")
}

// callProvider bounds one provider call with the hard timeout. The provider
// goroutine is left to finish on its own if it overruns - the result is
// discarded either way.
func (d *Dispatcher) callProvider(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		return err
	case <-time.After(d.callTimeout):
		return errProviderTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) logDispatchOutcome(alert Alert, attempts []Attempt) {
	sentTo := map[string]bool{}
	attemptedTo := map[string]bool{}

	for _, attempt := range attempts {
		attemptedTo[attempt.ContactName] = true
		if attempt.Status == SENT_ATTEMPT {
			sentTo[attempt.ContactName] = true
		}
	}

	for contactName := range attemptedTo {
		if !sentTo[contactName] {
			d.logg.Warnf(colors.Yellow("[dispatch] ")+
				"all channels failed for contact %q on patient %v alert", contactName, alert.PatientID)
		}
	}

	d.logg.Infof(colors.Blue("[dispatch] ")+"patient %v alert: %v attempt(s), %v contact(s) reached of %v",
		alert.PatientID, len(attempts), len(sentTo), len(attemptedTo))
}

func newAttempt(contact models.Contact, channel, status, fallbackFrom, errMsg string) Attempt {
	return Attempt{
		ContactName:  contact.FullName(),
		Channel:      channel,
		Status:       status,
		FallbackFrom: fallbackFrom,
		AttemptedAt:  time.Now().UTC(),
		Error:        errMsg,
	}
}
