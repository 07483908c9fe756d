package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Trigger is the inbound event that starts one ingestion run.
type Trigger struct {
	BulletinKind string `json:"bulletinKind" validate:"required"`
	SourceURL    string `json:"sourceUrl" validate:"omitempty,url"`
}

// Resolve validates the trigger and returns its kind and the URL to download.
// An empty SourceURL falls back to the feed's configured source.
func (t Trigger) Resolve(feeds map[Kind]Feed) (Kind, string, error) {
	if err := validate.Struct(t); err != nil {
		return "", "", fmt.Errorf("invalid trigger: %w", err)
	}
	kind, err := ParseKind(t.BulletinKind)
	if err != nil {
		return "", "", err
	}
	if t.SourceURL != "" {
		return kind, t.SourceURL, nil
	}
	feed, ok := feeds[kind]
	if !ok || feed.SourceURL == "" {
		return "", "", fmt.Errorf("invalid trigger: no source url for %s", kind)
	}
	return kind, feed.SourceURL, nil
}
