package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/vitaltag/vitaltag/shared"
)

// ClientWrapper is the WhatsApp-class & SMS-class provider used by the
// notification dispatcher. In test mode no request leaves the process.
type ClientWrapper struct {
	client   *twilio.RestClient
	config   shared.TwilioConfig
	testMode bool
}

func NewClient(config shared.TwilioConfig, testMode bool) *ClientWrapper {
	client := twilio.NewRestClientWithParams(twilio.RestClientParams{
		Username: config.AccountSid,
		Password: config.AuthToken,
	})

	return &ClientWrapper{
		client:   client,
		config:   config,
		testMode: testMode,
	}
}

// WhatsAppEnabled reports whether the WhatsApp channel is configured &
// switched on. When false the dispatcher goes straight to SMS.
func (cw *ClientWrapper) WhatsAppEnabled() bool {
	return cw.config.WhatsappEnabled && cw.config.WhatsappFrom != ""
}

func (cw *ClientWrapper) SendSMS(to, msg string) error {
	if cw.testMode {
		return nil
	}

	params := &openapi.CreateMessageParams{}
	params.SetMessagingServiceSid(cw.config.MessagingServiceSid)
	params.SetTo(to)
	params.SetBody(msg)

	resp, err := cw.client.ApiV2010.CreateMessage(params)
	if err != nil {
		return err
	}

	if resp.ErrorMessage != nil && *resp.ErrorMessage != "" {
		return fmt.Errorf("twilio sms rejected: %v", *resp.ErrorMessage)
	}

	return nil
}

func (cw *ClientWrapper) SendWhatsApp(to, msg string) error {
	if cw.testMode {
		return nil
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom("whatsapp:" + cw.config.WhatsappFrom)
	params.SetTo("whatsapp:" + to)
	params.SetBody(msg)

	resp, err := cw.client.ApiV2010.CreateMessage(params)
	if err != nil {
		return err
	}

	if resp.ErrorMessage != nil && *resp.ErrorMessage != "" {
		return fmt.Errorf("twilio whatsapp rejected: %v", *resp.ErrorMessage)
	}

	return nil
}
