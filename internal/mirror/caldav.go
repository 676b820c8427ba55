// Package mirror pushes inserted calendar entries to a CalDAV collection.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"stravacal/internal/calendar"
	"stravacal/internal/models"
)

// Options configures the CalDAV target.
type Options struct {
	Endpoint     string // Server root, e.g. https://caldav.icloud.com/
	Username     string
	Password     string
	CalendarName string // Display name looked up through discovery
	CalendarPath string // Collection path; skips discovery when set
	Timeout      time.Duration
}

// basicAuthTransport adds Basic Auth and a user agent to each request.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", "stravacal/1.0")
	return t.Transport.RoundTrip(req)
}

// Publisher writes each entry as its own calendar object in one CalDAV collection.
type Publisher struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
	now          func() time.Time
}

// NewPublisher creates a Publisher, discovering the collection by name when no path is given.
func NewPublisher(ctx context.Context, logger *slog.Logger, opts Options) (*Publisher, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("caldav endpoint is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := &http.Client{
		Timeout: opts.Timeout,
		Transport: &basicAuthTransport{
			Username:  opts.Username,
			Password:  opts.Password,
			Transport: http.DefaultTransport,
		},
	}

	caldavClient, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	p := &Publisher{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		calendarPath: opts.CalendarPath,
		now:          time.Now,
	}

	if p.calendarPath == "" {
		logger.Info("Finding CalDAV calendar", "calendarName", opts.CalendarName)
		calendarPath, err := p.findCalendar(ctx, opts.CalendarName)
		if err != nil {
			return nil, fmt.Errorf("could not find calendar '%s': %w", opts.CalendarName, err)
		}
		p.calendarPath = calendarPath
	}
	logger.Info("Using CalDAV calendar", "path", p.calendarPath)
	return p, nil
}

// Publish creates or replaces the calendar object for entry.
func (p *Publisher) Publish(ctx context.Context, entry models.CalendarEntry) error {
	p.logger.Debug("Publishing entry to CalDAV", "uid", entry.UID, "title", entry.Title)

	data, err := calendar.Encode(calendar.SingleEventDocument(entry, p.now()))
	if err != nil {
		return err
	}

	objectPath := path.Join(p.calendarPath, entry.UID+".ics")
	writer, err := p.webdavClient.Create(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to upload event: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("CalDAV server rejected event %s: %w", entry.UID, err)
	}

	p.logger.Info("Published entry to CalDAV", "uid", entry.UID, "path", objectPath)
	return nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (p *Publisher) findCalendar(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("calendar name is empty")
	}
	principalPath, err := p.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := p.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := p.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if strings.EqualFold(cal.Name, name) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
