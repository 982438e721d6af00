// Package payload moves frames through NOTIFY, either inline or through a
// side table when they do not fit in a notification.
package payload

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrPayloadTooLarge is returned by Inline for frames whose encoded form
	// does not fit in a notification.
	ErrPayloadTooLarge = errors.ConstError("payload too large for notification")

	// NotifyLimit is the server side limit on a NOTIFY payload, exclusive.
	NotifyLimit = 8000
	// MaxInlineSize is the largest frame whose base64 form fits the limit.
	MaxInlineSize = (NotifyLimit - 1) / 4 * 3
	// DefaultThreshold is the smallest frame Auto sends through the table.
	DefaultThreshold = MaxInlineSize + 1
)

// Strategy publishes frames and turns received notification payloads back
// into frames.
type Strategy interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Resolve(ctx context.Context, payload string) ([]byte, error)
}

// Notifier sends a raw notification.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Store keeps frames in a side table and notifies a reference to them in
// the same round trip.
type Store interface {
	// Tag prefixes the references the store notifies.
	Tag() string
	InsertAndNotify(ctx context.Context, channel string, data []byte) error
	// Load reads the frame for a reference without its tag.
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Inline base64 encodes frames into the notification itself.
type Inline struct {
	notifier Notifier
}

func NewInline(notifier Notifier) *Inline {
	return &Inline{notifier: notifier}
}

func (s *Inline) Publish(ctx context.Context, channel string, data []byte) error {
	if len(data) > MaxInlineSize {
		return errors.Annotatef(ErrPayloadTooLarge, "%d bytes", len(data))
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return errors.Trace(s.notifier.Notify(ctx, channel, encoded))
}

func (s *Inline) Resolve(_ context.Context, payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.NotValidf("inline payload: %v", err)
	}
	return data, nil
}

// Table stores every frame in the side table.
type Table struct {
	store Store
}

func NewTable(store Store) *Table {
	return &Table{store: store}
}

func (s *Table) Publish(ctx context.Context, channel string, data []byte) error {
	return errors.Trace(s.store.InsertAndNotify(ctx, channel, data))
}

func (s *Table) Resolve(ctx context.Context, payload string) ([]byte, error) {
	ref, ok := strings.CutPrefix(payload, s.store.Tag())
	if !ok {
		return nil, errors.NotValidf("table payload %q", payload)
	}
	data, err := s.store.Load(ctx, ref)
	return data, errors.Trace(err)
}

// Auto sends frames below a size threshold inline and the rest through the
// table. Base64 has no ':' so the store tag tells both kinds apart.
type Auto struct {
	inline    *Inline
	table     *Table
	threshold int
}

// NewAuto requires threshold <= DefaultThreshold so that every inline frame
// fits in a notification.
func NewAuto(notifier Notifier, store Store, threshold int) (*Auto, error) {
	if threshold <= 0 || threshold > DefaultThreshold {
		return nil, errors.NotValidf("auto threshold %d, must be within 1..%d", threshold, DefaultThreshold)
	}
	return &Auto{inline: NewInline(notifier), table: NewTable(store), threshold: threshold}, nil
}

func (s *Auto) Threshold() int {
	return s.threshold
}

func (s *Auto) Publish(ctx context.Context, channel string, data []byte) error {
	if len(data) >= s.threshold {
		return s.table.Publish(ctx, channel, data)
	}
	return s.inline.Publish(ctx, channel, data)
}

func (s *Auto) Resolve(ctx context.Context, payload string) ([]byte, error) {
	if strings.HasPrefix(payload, s.table.store.Tag()) {
		return s.table.Resolve(ctx, payload)
	}
	return s.inline.Resolve(ctx, payload)
}
