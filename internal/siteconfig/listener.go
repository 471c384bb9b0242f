package siteconfig

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listener watches PostgreSQL for site_config_changed notifications and
// invalidates the store's cache so config edits take effect without restart.
type Listener struct {
	connStr string
	store   *PGStore
}

// NewListener creates a config-change listener.
// Returns nil if store is nil to prevent nil pointer dereferences.
func NewListener(connStr string, store *PGStore) *Listener {
	if store == nil {
		log.Error().Msg("Cannot create config listener: store is nil")
		return nil
	}
	return &Listener{connStr: connStr, store: store}
}

// Start begins listening for notifications and blocks until the context is
// cancelled. Connection errors trigger a reconnect after a short pause.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Site config listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Config listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr,
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Config notification error")
			}
		})
	defer listener.Close()

	if err := listener.Listen("site_config_changed"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost, return to reconnect
				log.Warn().Msg("Config listener connection lost")
				return nil
			}
			log.Debug().Str("site", n.Extra).Msg("Site config changed, invalidating cache")
			l.store.Invalidate(n.Extra)
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}
