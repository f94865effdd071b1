// Package statsd wraps the datadog statsd client so the rest of the module does not depend on it directly.
// Until Init succeeds every metric goes to a no-op client.
package statsd

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

const namespace = "statesync."

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}

func Client() ddstatsd.ClientInterface {
	return client
}

// EmitTickStat records how long a stage of the current tick took.
func EmitTickStat(start time.Time, stage string) {
	duration := time.Since(start)
	err := Client().Timing("tick.duration", duration, []string{"stage:" + stage}, 1)
	if err != nil {
		log.Logger.Warn().Msgf("failed to emit tick stat: %v", err)
	}
}

// Incr increments a counter.
func Incr(name string, tags ...string) {
	if err := Client().Incr(name, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s: %v", name, err)
	}
}

// Histogram records a sampled value such as a payload size.
func Histogram(name string, value float64, tags ...string) {
	if err := Client().Histogram(name, value, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s: %v", name, err)
	}
}

func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		ddstatsd.WithNamespace(namespace),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	return nil
}

// Close flushes and closes the client and restores the no-op client.
func Close() error {
	c := client
	client = &ddstatsd.NoOpClient{}
	return eris.Wrap(c.Close(), "")
}
