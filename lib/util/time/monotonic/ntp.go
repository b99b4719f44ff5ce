package monotonic

import (
	"errors"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// MaxNTPOffset is the largest correction Sync will apply.
const MaxNTPOffset = 24 * time.Hour

// ErrNoNTPServer is returned when no server gave a usable answer.
var ErrNoNTPServer = errors.New("no usable NTP server")

// NTPQuerier asks one server for the time.
type NTPQuerier interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type defaultQuerier struct{}

func (defaultQuerier) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// Sync sets the clock offset from the first server whose answer passes
// validation. A nil querier queries the network.
func (c *Clock) Sync(servers []string, timeout time.Duration, q NTPQuerier) (time.Duration, error) {
	if q == nil {
		q = defaultQuerier{}
	}
	for _, server := range servers {
		fields := logger.Fields{"at": "(Clock) Sync", "server": server}
		resp, err := q.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			log.WithFields(fields).WithError(err).Debug("NTP query failed")
			continue
		}
		if err := validateNTP(resp); err != nil {
			log.WithFields(fields).WithError(err).Debug("NTP response rejected")
			continue
		}
		c.SetOffset(resp.ClockOffset)
		fields["offset"] = resp.ClockOffset
		log.WithFields(fields).Info("clock synchronized")
		return resp.ClockOffset, nil
	}
	return 0, fmt.Errorf("tried %d servers: %w", len(servers), ErrNoNTPServer)
}

func validateNTP(r *ntp.Response) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ClockOffset > MaxNTPOffset || r.ClockOffset < -MaxNTPOffset {
		return fmt.Errorf("offset %s out of bounds", r.ClockOffset)
	}
	return nil
}
