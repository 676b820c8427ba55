package models

import "time"

// Store identifiers for the two calendars this service maintains.
const (
	StoreActivities = "activities"
	StoreSleep      = "sleep"
)

// CalendarEntry represents a single calendar event as persisted in a calendar store.
// Entries are never mutated after they are inserted.
type CalendarEntry struct {
	UID         string    // Unique key within a store
	Title       string    // Summary or title of the event
	Description string    // Detailed description of the event
	Location    string    // Optional location, empty when unknown
	Begin       time.Time // Start time of the event
	End         time.Time // End time of the event
}

// Credential is the bearer token pair used against the upstream API.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expired reports whether the access token is no longer valid at now.
func (c Credential) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// ActivityRecord is an activity as returned by the upstream API.
// StartDate is kept as the raw upstream string so the mapper can validate it.
type ActivityRecord struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	StartDate       string `json:"start_date"`
	ElapsedTime     int64  `json:"elapsed_time"`
	Type            string `json:"type"`
	SportType       string `json:"sport_type"`
	LocationCity    string `json:"location_city"`
	LocationState   string `json:"location_state"`
	LocationCountry string `json:"location_country"`
}

// SleepRecord is a manually submitted sleep interval in the configured local zone.
type SleepRecord struct {
	Start       time.Time
	End         time.Time
	Description string
}

// Webhook aspect and object types sent by the upstream push subscription.
const (
	WebhookObjectTypeActivity = "activity"
	WebhookObjectTypeAthlete  = "athlete"
	WebhookAspectTypeCreate   = "create"
	WebhookAspectTypeUpdate   = "update"
	WebhookAspectTypeDelete   = "delete"
)

// WebhookNotification is a push notification delivered to the webhook endpoint.
type WebhookNotification struct {
	ObjectType     string `json:"object_type"`
	AspectType     string `json:"aspect_type"`
	ObjectID       int64  `json:"object_id"`
	OwnerID        int64  `json:"owner_id"`
	SubscriptionID int64  `json:"subscription_id"`
	EventTime      int64  `json:"event_time"`
}

// IsActivityCreate reports whether the notification announces a new activity.
func (n WebhookNotification) IsActivityCreate() bool {
	return n.ObjectType == WebhookObjectTypeActivity && n.AspectType == WebhookAspectTypeCreate
}
