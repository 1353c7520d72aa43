package clientsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matrix-org/clientsync/backfill"
	"github.com/matrix-org/clientsync/hydration"
	"github.com/matrix-org/clientsync/sync2"
)

const (
	DefaultContactTTL  = 10 * time.Minute
	DefaultHTTPTimeout = 45 * time.Second
	// DefaultBufferSize is the capacity of every observer channel.
	DefaultBufferSize = 64
)

var validate = validator.New()

// Config for one engine, i.e one logged in session.
type Config struct {
	UserID   string `validate:"required,startswith=@"`
	DeviceID string `validate:"required"`
	// HomeserverURL is only needed when New is not given a client.
	HomeserverURL string `validate:"omitempty,url"`
	// Secret encrypts the access token at rest.
	Secret string `validate:"required,min=8"`

	PollInterval      time.Duration `validate:"gte=0"`
	HTTPTimeout       time.Duration `validate:"gte=0"`
	BackfillWorkers   int           `validate:"gte=0"`
	PageSize          int           `validate:"gte=0"`
	ProfileFetchLimit int           `validate:"gte=0"`
	ContactTTL        time.Duration `validate:"gte=0"`
	BufferSize        int           `validate:"gte=0"`

	// Register prometheus metrics for every component. Only one engine per process may do so.
	EnablePrometheus bool
}

// Validate checks the config and fills in defaults for anything left zero.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.PollInterval == 0 {
		c.PollInterval = sync2.DefaultPollInterval
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.BackfillWorkers == 0 {
		c.BackfillWorkers = backfill.DefaultWorkers
	}
	if c.PageSize == 0 {
		c.PageSize = backfill.DefaultPageSize
	}
	if c.ProfileFetchLimit == 0 {
		c.ProfileFetchLimit = hydration.DefaultProfileFetchLimit
	}
	if c.ContactTTL == 0 {
		c.ContactTTL = DefaultContactTTL
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	return nil
}
