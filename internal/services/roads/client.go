package roads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"binroute-backend/internal/geo"
	"binroute-backend/internal/models"
	"binroute-backend/internal/obs"
)

const hereRoutesURL = "https://router.hereapi.com/v8/routes"

// HereClient looks up road distances with the HERE Routing API v8
type HereClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// hereRoutesResponse is the subset of the HERE routes payload we use
type hereRoutesResponse struct {
	Routes []struct {
		Sections []struct {
			Summary struct {
				Length   float64 `json:"length"`   // meters
				Duration float64 `json:"duration"` // seconds
			} `json:"summary"`
		} `json:"sections"`
	} `json:"routes"`
}

// NewHereClient creates a HERE routing client
func NewHereClient(apiKey string) *HereClient {
	return &HereClient{
		apiKey:  apiKey,
		baseURL: hereRoutesURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Distance returns the truck driving distance and duration between two points
func (c *HereClient) Distance(ctx context.Context, from, to models.Location) (leg geo.Leg, err error) {
	defer obs.Time(ctx, "here.Distance")(&err)

	if c.apiKey == "" {
		return geo.Leg{}, models.GeoLookupError(nil, "HERE api key not configured")
	}

	params := url.Values{}
	params.Add("transportMode", "truck")
	params.Add("origin", fmt.Sprintf("%.6f,%.6f", from.Latitude, from.Longitude))
	params.Add("destination", fmt.Sprintf("%.6f,%.6f", to.Latitude, to.Longitude))
	params.Add("return", "summary")
	params.Add("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return geo.Leg{}, models.GeoLookupError(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return geo.Leg{}, models.GeoLookupError(err, "HERE request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return geo.Leg{}, models.GeoLookupError(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ [HERE] Routing API error (%d): %s", resp.StatusCode, string(body))
		return geo.Leg{}, models.GeoLookupError(nil, "HERE returned status %d", resp.StatusCode)
	}

	var parsed hereRoutesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return geo.Leg{}, models.GeoLookupError(err, "failed to parse HERE response")
	}

	if len(parsed.Routes) == 0 {
		return geo.Leg{}, models.GeoLookupError(nil, "HERE found no route %s -> %s", geo.Key(from), geo.Key(to))
	}

	var meters, seconds float64
	for _, section := range parsed.Routes[0].Sections {
		meters += section.Summary.Length
		seconds += section.Summary.Duration
	}

	return geo.Leg{Meters: int(meters), Seconds: int(seconds)}, nil
}
