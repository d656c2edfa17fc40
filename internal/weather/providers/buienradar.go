package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-station-images/internal/common"
	"github.com/i474232898/weather-station-images/internal/weather"
)

// DefaultBuienradarURL is the public Buienradar JSON feed.
const DefaultBuienradarURL = "https://data.buienradar.nl/2.0/feed/json"

// BuienradarSource implements weather.Source for the Buienradar station feed.
type BuienradarSource struct {
	name    string
	feedURL string
	httpCfg common.HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewBuienradarSource(client *http.Client, feedURL string, logger zerolog.Logger) *BuienradarSource {
	if feedURL == "" {
		feedURL = DefaultBuienradarURL
	}
	return &BuienradarSource{
		name:    "buienradar",
		feedURL: feedURL,
		httpCfg: common.HTTPClientConfig{
			Client:  client,
			Backoff: common.DefaultBackoff,
		},
		circuit: common.NewCircuitBreaker("buienradar"),
		logger:  logger.With().Str("component", "buienradar").Logger(),
	}
}

// WithBackoff overrides the retry policy.
func (p *BuienradarSource) WithBackoff(b common.BackoffConfig) *BuienradarSource {
	p.httpCfg.Backoff = b
	return p
}

func (p *BuienradarSource) Name() string {
	return p.name
}

type buienradarStation struct {
	StationName        string   `json:"stationname"`
	Temperature        *float64 `json:"temperature"`
	Humidity           *float64 `json:"humidity"`
	WeatherDescription string   `json:"weatherdescription"`
	Region             string   `json:"regio"`
}

// FetchAndParse downloads the feed and returns one record per station that
// reports both temperature and humidity.
func (p *BuienradarSource) FetchAndParse(ctx context.Context) ([]weather.Record, error) {
	started := time.Now()

	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, p.feedURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := common.DoWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", weather.ErrSourceUnavailable, p.name, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Actual struct {
			StationMeasurements []buienradarStation `json:"stationmeasurements"`
		} `json:"actual"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %s: decode feed: %v", weather.ErrSourceUnavailable, p.name, err)
	}

	records := make([]weather.Record, 0, len(payload.Actual.StationMeasurements))
	skipped := 0
	for _, st := range payload.Actual.StationMeasurements {
		// Stations without complete data are not rendered.
		if st.Temperature == nil || st.Humidity == nil || st.StationName == "" {
			skipped++
			continue
		}
		records = append(records, weather.Record{
			StationName: st.StationName,
			Temperature: *st.Temperature,
			Humidity:    *st.Humidity,
			Description: st.WeatherDescription,
			Region:      st.Region,
		})
	}

	p.logger.Debug().
		Int("stations", len(records)).
		Int("skipped", skipped).
		Dur("took", time.Since(started)).
		Msg("feed parsed")

	return records, nil
}
