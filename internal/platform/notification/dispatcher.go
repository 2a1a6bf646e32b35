package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultDispatchTimeout = 10 * time.Second

// Dispatcher renders and sends notifications in the background. Callers
// dispatch only after their transaction has committed; failures are logged
// and never reported back.
type Dispatcher struct {
	notifier  Notifier
	templates *TemplateEngine
	logger    zerolog.Logger
	timeout   time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(notifier Notifier, templates *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Dispatcher{
		notifier:  notifier,
		templates: templates,
		logger:    logger,
		timeout:   defaultDispatchTimeout,
		now:       time.Now,
	}
}

// Dispatch queues a message for contact and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, contact Contact, templateKey string, data map[string]string) {
	channel, recipient, err := contact.Route()
	if err != nil {
		d.logger.Warn().Str("template", templateKey).Msg("notification skipped: no contact")
		return
	}

	body, err := d.templates.Render(templateKey, data)
	if err != nil {
		d.logger.Error().Err(err).Str("template", templateKey).Msg("render notification")
		return
	}

	msg := Message{
		ID:          uuid.NewString(),
		Channel:     channel,
		Recipient:   recipient,
		TemplateKey: templateKey,
		Body:        body,
		Data:        data,
		CreatedAt:   d.now().UTC(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(sendCtx, msg); err != nil {
			d.logger.Warn().Err(err).
				Str("notification_id", msg.ID).
				Str("channel", string(msg.Channel)).
				Str("template", msg.TemplateKey).
				Msg("notification failed")
		}
	}()
}

// Wait blocks until every dispatched message has been handed off.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
