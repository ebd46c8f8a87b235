// Package stream ingests the mediawiki.revision-create feed and stores
// the revisions worth checking.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"github.com/copypatrol/copypatrol-backend/internal/config"
	"github.com/copypatrol/copypatrol-backend/internal/database"
	"github.com/copypatrol/copypatrol-backend/internal/metrics"
	"github.com/copypatrol/copypatrol-backend/internal/models"
)

const (
	// RevisionCreateURL is the Wikimedia EventStreams revision-create
	// feed.
	RevisionCreateURL = "https://stream.wikimedia.org/v2/stream/mediawiki.revision-create"

	userAgent         = "copypatrol-backend/1.0"
	connectionTimeout = 30 * time.Second
	minRevLen         = 500
)

// Store is the slice of the database the listener writes to.
type Store interface {
	AddRevision(ctx context.Context, diff *database.Diff) error
}

// Listener consumes the revision-create stream, applies the acceptance
// filters and inserts UNSUBMITTED rows.
type Listener struct {
	cfg    *config.Config
	store  Store
	logger zerolog.Logger

	streamURL string
	since     string
	total     int

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	accepted int
}

// NewListener builds a Listener. since (an ISO 8601 instant, may be
// empty) is forwarded to the stream as the resume point; total caps the
// number of accepted events, zero meaning unlimited.
func NewListener(cfg *config.Config, store Store, since string, total int, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:               cfg,
		store:             store,
		logger:            logger.With().Str("component", "stream").Logger(),
		streamURL:         RevisionCreateURL,
		since:             since,
		total:             total,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
	}
}

// SetStreamURL overrides the feed URL; tests point it at a local server.
func (l *Listener) SetStreamURL(streamURL string) {
	l.streamURL = streamURL
}

// Run consumes the stream until total accepted events have been stored
// or the context is cancelled. Stream disconnects are retried with
// exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.reconnectDelay
	for {
		err := l.consume(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error().Err(err).Dur("delay", delay).Msg("stream failed, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.maxReconnectDelay {
			delay = l.maxReconnectDelay
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	endpoint := l.streamURL
	if l.since != "" {
		endpoint += "?since=" + url.QueryEscape(l.since)
	}
	client := sse.NewClient(endpoint)
	client.Connection.Transport = &http.Transport{
		ResponseHeaderTimeout: connectionTimeout,
	}
	client.Headers = map[string]string{
		"Accept":     "text/event-stream",
		"User-Agent": userAgent,
	}

	events := make(chan *sse.Event)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := client.SubscribeChanWithContext(subCtx, "message", events); err != nil {
			l.logger.Error().Err(err).Msg("subscribe failed")
			close(events)
		}
	}()

	l.logger.Info().Str("url", endpoint).Msg("listening to revision-create stream")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			l.handleEvent(ctx, event)
			if l.total > 0 && l.accepted >= l.total {
				l.logger.Info().Int("total", l.accepted).Msg("maximum events stored")
				return nil
			}
		}
	}
}

func (l *Listener) handleEvent(ctx context.Context, event *sse.Event) {
	if event == nil || len(event.Data) == 0 {
		return
	}
	metrics.EventsReceivedTotal.Inc()

	var rc models.RevisionCreate
	if err := json.Unmarshal(event.Data, &rc); err != nil {
		l.logger.Debug().Err(err).Msg("unparseable event")
		return
	}
	if err := rc.Validate(); err != nil {
		l.logger.Debug().Err(err).Msg("invalid event")
		return
	}
	if reason, ok := l.accept(&rc); !ok {
		metrics.EventsFilteredTotal.WithLabelValues(reason).Inc()
		return
	}

	// The event passed every filter; it counts against --total even if
	// the insert turns out to be a duplicate.
	l.accepted++

	lang, project := rc.Site()
	diff := &database.Diff{
		Project:       project,
		Lang:          lang,
		PageNamespace: rc.PageNamespace,
		PageTitle:     strings.ReplaceAll(rc.PageTitle, " ", "_"),
		RevID:         rc.RevID,
		RevParentID:   rc.RevParentID,
		RevTimestamp:  database.NewTimestamp(rc.RevTimestamp),
		RevUserText:   rc.Performer.UserText,
	}
	if err := l.store.AddRevision(ctx, diff); err != nil {
		if isDuplicate(err) {
			metrics.DuplicateRevisionsTotal.Inc()
			l.logger.Debug().Uint64("rev_id", rc.RevID).Msg("revision already stored")
		} else {
			l.logger.Error().Err(err).Uint64("rev_id", rc.RevID).Msg("store revision failed")
		}
		return
	}
	metrics.RevisionsStoredTotal.Inc()
	l.logger.Info().
		Str("domain", rc.Meta.Domain).
		Str("title", rc.PageTitle).
		Uint64("rev_id", rc.RevID).
		Msg("revision stored")
}

// accept applies the five acceptance criteria and names the failing one.
func (l *Listener) accept(rc *models.RevisionCreate) (reason string, ok bool) {
	site := l.cfg.SiteConfig(rc.Meta.Domain)
	if !site.Enabled {
		return "domain", false
	}
	if !containsInt(site.Namespaces, rc.PageNamespace) {
		return "namespace", false
	}
	if !rc.RevContentChanged {
		return "content_unchanged", false
	}
	if rc.Performer.UserIsBot {
		return "bot", false
	}
	if rc.RevLen <= minRevLen {
		return "size", false
	}
	return "", true
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// isDuplicate recognizes unique-index violations from both supported
// drivers.
func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
