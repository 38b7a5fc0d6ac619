package command

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/hostagent/internal/domain"
)

// Empty is the params type of commands that take no arguments.
type Empty struct{}

// ReportParams asks the agent to push its status or contact record to a
// destination URL (udp://host:port or http(s)://...).
type ReportParams struct {
	Destination string `json:"destination"`
}

func (p *ReportParams) Validate() error {
	return validateDestination(p.Destination)
}

// UpdateConfigurationParams changes the agent run state. Nil fields are left
// untouched.
type UpdateConfigurationParams struct {
	Enabled              *bool                     `json:"enabled,omitempty"`
	DisplayName          *string                   `json:"displayName,omitempty"`
	ServerConfigurations map[string]map[string]any `json:"serverConfigurations,omitempty"`
}

func (p *UpdateConfigurationParams) Validate() error {
	if p.DisplayName != nil && len(*p.DisplayName) > 128 {
		return fmt.Errorf("%w: displayName too long (max 128 chars)", domain.ErrValidation)
	}
	return nil
}

// TaskParams addresses a single task.
type TaskParams struct {
	TaskID string `json:"taskId"`
}

func (p *TaskParams) Validate() error {
	return requireUUID("taskId", p.TaskID)
}

// RunIntentParams creates an intent from a registered type.
type RunIntentParams struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	DisplayName   string         `json:"displayName"`
	Group         string         `json:"group"`
	Configuration map[string]any `json:"configuration"`
}

func (p *RunIntentParams) SetDefaults() {
	p.Configuration = map[string]any{}
}

func (p *RunIntentParams) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: type is required", domain.ErrValidation)
	}
	if p.Name == "" {
		p.Name = p.Type
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	return nil
}

// IntentParams addresses a single intent.
type IntentParams struct {
	IntentID string `json:"intentId"`
}

func (p *IntentParams) Validate() error {
	return requireUUID("intentId", p.IntentID)
}

// DiscoverLinkParams is broadcast by agents looking for a coordinator.
type DiscoverLinkParams struct {
	ReplyTo string `json:"replyTo"`
}

func (p *DiscoverLinkParams) Validate() error {
	return validateDestination(p.ReplyTo)
}

// LinkAnnounceParams is sent by a coordinator in answer to DiscoverLink.
type LinkAnnounceParams struct {
	URL string `json:"url"`
}

func (p *LinkAnnounceParams) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: url is not a valid absolute URL", domain.ErrValidation)
	}
	switch u.Scheme {
	case "ws", "wss", "nats":
		return nil
	}
	return fmt.Errorf("%w: unsupported link scheme %q", domain.ErrValidation, u.Scheme)
}

// RecordParams wraps an arbitrary record published on the link connection
// (status, contact, task lifecycle, command response).
type RecordParams struct {
	Record map[string]any `json:"record"`
}

func (p *RecordParams) SetDefaults() {
	p.Record = map[string]any{}
}

// MediaPlayParams starts playback of a local media file.
type MediaPlayParams struct {
	Path string `json:"path"`
	Loop bool   `json:"loop"`
}

func (p *MediaPlayParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("%w: path is required", domain.ErrValidation)
	}
	return nil
}

// DisplayShowURLParams points the display at a URL.
type DisplayShowURLParams struct {
	URL string `json:"url"`
}

func (p *DisplayShowURLParams) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: url is not a valid absolute URL", domain.ErrValidation)
	}
	return nil
}

// CacheFetchParams downloads a URL into the local cache.
type CacheFetchParams struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

func (p *CacheFetchParams) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be http or https", domain.ErrValidation)
	}
	if p.Key == "" {
		p.Key = uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.URL)).String()
	}
	return validateKey(p.Key)
}

// CacheKeyParams addresses a single cached object.
type CacheKeyParams struct {
	Key string `json:"key"`
}

func (p *CacheKeyParams) Validate() error {
	return validateKey(p.Key)
}

func requireUUID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	if _, err := uuid.Parse(v); err != nil {
		return fmt.Errorf("%w: %s is not a UUID", domain.ErrValidation, field)
	}
	return nil
}

func validateDestination(dest string) error {
	if dest == "" {
		return fmt.Errorf("%w: destination is required", domain.ErrValidation)
	}
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: destination is not a valid URL", domain.ErrValidation)
	}
	switch u.Scheme {
	case "udp", "http", "https":
		return nil
	}
	return fmt.Errorf("%w: unsupported destination scheme %q", domain.ErrValidation, u.Scheme)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", domain.ErrValidation)
	}
	if len(key) > 128 {
		return fmt.Errorf("%w: key too long (max 128 chars)", domain.ErrValidation)
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") || key[0] == '.' {
		return fmt.Errorf("%w: key contains invalid characters", domain.ErrValidation)
	}
	return nil
}
