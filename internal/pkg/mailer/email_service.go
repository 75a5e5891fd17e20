package mailer

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

type IEmailService interface {
	SendReportReady(toEmail, consultationID string) error
	SendReportFailed(toEmail, consultationID, reason string) error
}

// Sender delivers one prepared message. gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type emailService struct {
	sender      Sender
	senderEmail string
	senderName  string
	clientURL   string
}

func NewEmailService(host string, port int, username, password, senderName, clientURL string) IEmailService {
	return NewEmailServiceWithSender(gomail.NewDialer(host, port, username, password), username, senderName, clientURL)
}

func NewEmailServiceWithSender(sender Sender, senderEmail, senderName, clientURL string) IEmailService {
	return &emailService{
		sender:      sender,
		senderEmail: senderEmail,
		senderName:  senderName,
		clientURL:   clientURL,
	}
}

func (s *emailService) newMessage(toEmail, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.senderEmail, s.senderName)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)
	return m
}

func (s *emailService) SendReportReady(toEmail, consultationID string) error {
	link := fmt.Sprintf("%s/consultations/%s", s.clientURL, consultationID)
	body := fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; padding: 20px; color: #333;">
			<h2>Your feng shui report is ready</h2>
			<p>The full consultation report has been generated.</p>
			<a href="%s" style="background-color: #B8860B; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px; display: inline-block;">Open report</a>
			<p>Or copy this link:</p>
			<p>%s</p>
		</div>
	`, link, link)

	if err := s.sender.DialAndSend(s.newMessage(toEmail, "Your feng shui report is ready", body)); err != nil {
		return fmt.Errorf("send report-ready mail: %w", err)
	}
	return nil
}

func (s *emailService) SendReportFailed(toEmail, consultationID, reason string) error {
	link := fmt.Sprintf("%s/consultations/%s", s.clientURL, consultationID)
	body := fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; padding: 20px; color: #333;">
			<h2>We could not finish your report</h2>
			<p>Your payment is safe. Generation stopped with: %s</p>
			<p>You can start the report again from <a href="%s">your consultation</a>.</p>
		</div>
	`, reason, link)

	if err := s.sender.DialAndSend(s.newMessage(toEmail, "Your feng shui report needs another try", body)); err != nil {
		return fmt.Errorf("send report-failed mail: %w", err)
	}
	return nil
}
