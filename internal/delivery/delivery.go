// Package delivery hands finalized run reports to their recipients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/report"
)

// Deliverer sends one report to a recipient list
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, r *report.Report, recipients []string) error
}

// Dispatcher fans a report out to every configured deliverer
type Dispatcher struct {
	deliverers []Deliverer
	skipEmpty  bool
}

// NewDispatcher creates a dispatcher. With skipEmpty set, reports without
// lines are not delivered.
func NewDispatcher(skipEmpty bool, deliverers ...Deliverer) *Dispatcher {
	return &Dispatcher{deliverers: deliverers, skipEmpty: skipEmpty}
}

// Deliver sends r through every deliverer. A failing deliverer does not stop
// the others; all errors are joined.
func (d *Dispatcher) Deliver(ctx context.Context, r *report.Report, recipients []string) error {
	if d.skipEmpty && r.Empty() {
		log.Info().Str("run_id", r.RunID).Str("title", r.Title).Msg("No changes, report not delivered")
		return nil
	}

	var errs []error
	for _, dl := range d.deliverers {
		if err := dl.Deliver(ctx, r, recipients); err != nil {
			log.Error().Err(err).Str("deliverer", dl.Name()).Str("run_id", r.RunID).Msg("Report delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", dl.Name(), err))
			continue
		}
		log.Info().
			Str("deliverer", dl.Name()).
			Str("run_id", r.RunID).
			Int("lines", len(r.Lines)).
			Strs("recipients", recipients).
			Msg("Report delivered")
	}
	return errors.Join(errs...)
}

// Stdout writes the report to a writer, used for dry runs
type Stdout struct {
	W io.Writer
}

func (s *Stdout) Name() string { return "stdout" }

func (s *Stdout) Deliver(_ context.Context, r *report.Report, recipients []string) error {
	if _, err := fmt.Fprintf(s.W, "Subject: %s\n", r.Subject); err != nil {
		return err
	}
	if len(recipients) > 0 {
		fmt.Fprintf(s.W, "To: %v\n", recipients)
	}
	fmt.Fprintf(s.W, "\n%s", r.Body)
	if len(r.Attachment) > 0 {
		fmt.Fprintf(s.W, "\n----- %s -----\n%s", r.AttachmentName, r.Attachment)
	}
	return nil
}
