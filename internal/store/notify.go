package store

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrNotifyUnsupported is returned when the backend has no pub/sub channel.
// SQLite deployments fall back to the periodic resync timer.
var ErrNotifyUnsupported = errors.New("store: LISTEN/NOTIFY not supported by this backend")

// Listener subscribes to the configuration change channel.
type Listener struct {
	pql    *pq.Listener
	events chan pq.ListenerEventType
}

// NewListener opens a LISTEN subscription on the config channel. Only
// supported on Postgres.
func (s *Store) NewListener() (*Listener, error) {
	if s.dialect != DialectPostgres {
		return nil, ErrNotifyUnsupported
	}

	events := make(chan pq.ListenerEventType, 16)
	callback := func(ev pq.ListenerEventType, err error) {
		select {
		case events <- ev:
		default:
			// Drop when nobody is draining; events are advisory.
		}
	}

	pql := pq.NewListener(s.writeDSN, 250*time.Millisecond, 30*time.Second, callback)
	if err := pql.Listen(ConfigChangedChannel); err != nil {
		_ = pql.Close()
		return nil, err
	}
	return &Listener{pql: pql, events: events}, nil
}

// Notifications returns the channel of raw notifications. A nil notification
// signals that the underlying connection was re-established and events may
// have been missed.
func (l *Listener) Notifications() <-chan *pq.Notification {
	return l.pql.NotificationChannel()
}

// Events returns connection lifecycle events from the driver.
func (l *Listener) Events() <-chan pq.ListenerEventType {
	return l.events
}

// Ping checks the listener connection.
func (l *Listener) Ping() error { return l.pql.Ping() }

// Close tears down the subscription.
func (l *Listener) Close() error { return l.pql.Close() }

// ParseNotifyPayload splits a "<table>:<epoch_micros>" payload into the table
// name and the elapsed time since the notification was sent. ok is false for
// payloads that do not match the format; such payloads still trigger a sync
// but contribute nothing to lag metrics.
func ParseNotifyPayload(payload string) (table string, lag time.Duration, ok bool) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 {
		return "", 0, false
	}
	micros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	lagMicros := time.Now().UnixMicro() - micros
	if lagMicros < 0 {
		lagMicros = 0
	}
	return parts[0], time.Duration(lagMicros) * time.Microsecond, true
}
