package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Reading is one sensor's row from a poll response.
type Reading struct {
	SensorIndex  int64
	PM25         float64
	HasPM25      bool
	ChannelFlags int
	LastSeen     time.Time
}

// Snapshot is the decoded result of one poll request.
type Snapshot struct {
	Readings map[int64]Reading
	Taken    time.Time
}

// RosterSensor is one sensor's row from a bounding-box roster request.
type RosterSensor struct {
	SensorIndex  int64
	Name         string
	ChannelState int
	ChannelFlags int
	LastSeen     time.Time
	Latitude     float64
	Longitude    float64
	LocationType int
}

// BoundingBox is the roster query extent in the upstream's NW/SE notation.
type BoundingBox struct {
	NWLng float64
	NWLat float64
	SELng float64
	SELat float64
}

// Client polls the upstream sensor network API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	loc     *time.Location
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// WithLocation sets the timezone applied to upstream Unix timestamps.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewClient constructs a feed client.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("feed: empty base url")
	}
	if apiKey == "" {
		return nil, errors.New("feed: empty api key")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		loc:     time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var readingFields = []string{"sensor_index", "pm2.5_10minute", "channel_flags", "last_seen"}

// FetchReadings polls the current reading for each requested sensor id.
func (c *Client) FetchReadings(ctx context.Context, sensorIDs []int64) (Snapshot, error) {
	snapshot := Snapshot{Readings: make(map[int64]Reading, len(sensorIDs)), Taken: time.Now().In(c.loc)}
	if len(sensorIDs) == 0 {
		return snapshot, nil
	}

	query := url.Values{}
	query.Set("fields", strings.Join(readingFields, ","))
	query.Set("show_only", joinIDs(sensorIDs))

	table, err := c.fetchColumnar(ctx, query)
	if err != nil {
		return snapshot, err
	}

	for _, row := range table.rows {
		index, ok := row.int64At(table.col("sensor_index"))
		if !ok {
			continue
		}
		reading := Reading{SensorIndex: index}
		if flags, ok := row.int64At(table.col("channel_flags")); ok {
			reading.ChannelFlags = int(flags)
		}
		if seen, ok := row.int64At(table.col("last_seen")); ok {
			reading.LastSeen = time.Unix(seen, 0).In(c.loc)
		}
		if pm, ok := row.floatAt(table.col("pm2.5_10minute")); ok && !math.IsNaN(pm) {
			reading.PM25 = pm
			reading.HasPM25 = true
		}
		snapshot.Readings[index] = reading
	}
	return snapshot, nil
}

var rosterFields = []string{"sensor_index", "name", "channel_state", "channel_flags", "last_seen", "latitude", "longitude", "location_type"}

// FetchRoster lists all sensors inside the bounding box.
func (c *Client) FetchRoster(ctx context.Context, box BoundingBox) ([]RosterSensor, error) {
	query := url.Values{}
	query.Set("fields", strings.Join(rosterFields, ","))
	query.Set("nwlng", formatCoord(box.NWLng))
	query.Set("nwlat", formatCoord(box.NWLat))
	query.Set("selng", formatCoord(box.SELng))
	query.Set("selat", formatCoord(box.SELat))

	table, err := c.fetchColumnar(ctx, query)
	if err != nil {
		return nil, err
	}

	sensors := make([]RosterSensor, 0, len(table.rows))
	for _, row := range table.rows {
		index, ok := row.int64At(table.col("sensor_index"))
		if !ok {
			continue
		}
		sensor := RosterSensor{SensorIndex: index}
		sensor.Name, _ = row.stringAt(table.col("name"))
		if state, ok := row.int64At(table.col("channel_state")); ok {
			sensor.ChannelState = int(state)
		}
		if flags, ok := row.int64At(table.col("channel_flags")); ok {
			sensor.ChannelFlags = int(flags)
		}
		if seen, ok := row.int64At(table.col("last_seen")); ok {
			sensor.LastSeen = time.Unix(seen, 0).In(c.loc)
		}
		sensor.Latitude, _ = row.floatAt(table.col("latitude"))
		sensor.Longitude, _ = row.floatAt(table.col("longitude"))
		if locType, ok := row.int64At(table.col("location_type")); ok {
			sensor.LocationType = int(locType)
		}
		sensors = append(sensors, sensor)
	}
	return sensors, nil
}

// columnarTable is the upstream's {"fields": [...], "data": [[...]]} payload.
type columnarTable struct {
	fields map[string]int
	rows   []columnarRow
}

type columnarRow []json.Number

func (t columnarTable) col(name string) int {
	index, ok := t.fields[name]
	if !ok {
		return -1
	}
	return index
}

func (r columnarRow) int64At(index int) (int64, bool) {
	if index < 0 || index >= len(r) || r[index] == "" {
		return 0, false
	}
	// Upstream occasionally renders integral fields as floats.
	if value, err := r[index].Int64(); err == nil {
		return value, true
	}
	value, err := r[index].Float64()
	if err != nil || math.IsNaN(value) {
		return 0, false
	}
	return int64(value), true
}

func (r columnarRow) floatAt(index int) (float64, bool) {
	if index < 0 || index >= len(r) || r[index] == "" {
		return 0, false
	}
	value, err := r[index].Float64()
	if err != nil {
		return 0, false
	}
	return value, true
}

func (r columnarRow) stringAt(index int) (string, bool) {
	if index < 0 || index >= len(r) || r[index] == "" {
		return "", false
	}
	value := string(r[index])
	return strings.Trim(value, `"`), true
}

func (c *Client) fetchColumnar(ctx context.Context, query url.Values) (columnarTable, error) {
	table := columnarTable{fields: make(map[string]int)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sensors?"+query.Encode(), nil)
	if err != nil {
		return table, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return table, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return table, fmt.Errorf("feed: http %d", resp.StatusCode)
	}

	var payload struct {
		Fields []string            `json:"fields"`
		Data   [][]json.RawMessage `json:"data"`
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&payload); err != nil {
		return table, fmt.Errorf("feed: malformed payload: %w", err)
	}

	for i, name := range payload.Fields {
		table.fields[name] = i
	}
	table.rows = make([]columnarRow, 0, len(payload.Data))
	for _, raw := range payload.Data {
		row := make(columnarRow, len(raw))
		for i, cell := range raw {
			row[i] = normalizeCell(cell)
		}
		table.rows = append(table.rows, row)
	}
	return table, nil
}

// normalizeCell keeps numbers as json.Number and strings quoted; null becomes empty.
func normalizeCell(raw json.RawMessage) json.Number {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	return json.Number(trimmed)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func formatCoord(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
