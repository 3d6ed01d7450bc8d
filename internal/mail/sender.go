// Package mail renders and delivers the transactional emails sent during
// signup and password recovery.
package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mrz1836/postmark"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidConfig = errors.New("mail: invalid configuration")
	ErrSendFailed    = errors.New("mail: failed to send")
)

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Tag     string
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PostmarkSender delivers through the Postmark transactional API.
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

func NewPostmarkSender(serverToken, accountToken, from string) (*PostmarkSender, error) {
	if serverToken == "" || accountToken == "" {
		return nil, fmt.Errorf("%w: postmark server and account tokens are required", ErrInvalidConfig)
	}
	if from == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkSender{client: postmark.NewClient(serverToken, accountToken), from: from}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.from,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TrackLinks: "None",
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogSender only logs that a message would have been sent. Bodies carry
// tokens and are not logged.
type LogSender struct {
	log logrus.FieldLogger
}

func NewLogSender(log logrus.FieldLogger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
		"tag":     msg.Tag,
	}).Info("email delivery skipped (log provider)")
	return nil
}

// Recorder keeps sent messages in memory. Set Err to make Send fail.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the delivered messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// SetErr changes the failure returned by Send.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}
