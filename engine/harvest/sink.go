package harvest

import (
	"context"
	"errors"
	"time"

	"github.com/WessleyAI/wessley-specharvest/engine/catalog"
	"github.com/WessleyAI/wessley-specharvest/pkg/natsutil"
)

// DefaultSubject is where merged records are announced.
const DefaultSubject = "specharvest.records.merged"

// Sink receives the records newly persisted for a manufacturer. It runs
// only after a successful save; its errors are logged and never affect
// the run.
type Sink interface {
	Name() string
	Merged(ctx context.Context, manufacturer string, records []catalog.Record) error
}

// MergedEvent is published once per newly persisted record.
type MergedEvent struct {
	Manufacturer string         `json:"manufacturer"`
	Record       catalog.Record `json:"record"`
	HarvestedAt  time.Time      `json:"harvested_at"`
}

// NATSSink publishes a MergedEvent per record.
type NATSSink struct {
	pub     natsutil.Publisher
	subject string
	now     func() time.Time
}

// NewNATSSink publishes on subject, or DefaultSubject when empty.
func NewNATSSink(pub natsutil.Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject, now: time.Now}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Merged(ctx context.Context, manufacturer string, records []catalog.Record) error {
	at := s.now().UTC()
	var errs []error
	for _, r := range records {
		ev := MergedEvent{Manufacturer: manufacturer, Record: r, HarvestedAt: at}
		if err := natsutil.Publish(ctx, s.pub, s.subject, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
