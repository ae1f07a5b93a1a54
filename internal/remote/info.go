package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"novelsync/internal/domain"
)

// SeriesInfo is what the metadata endpoint advertises for one series.
// Count is -1 when the lookup failed.
type SeriesInfo struct {
	Count   int
	Updated string
}

// Unknown reports the failure sentinel; callers must not overwrite stored
// counts with it.
func (i SeriesInfo) Unknown() bool {
	return i.Count < 0
}

var unknownInfo = SeriesInfo{Count: -1, Updated: ""}

// infoFields selects title, writer, story, keyword, genre, episode count,
// last update and novel update time.
const infoFields = "t-w-s-k-g-ga-gl-nu"

// FetchSeriesInfo asks the metadata endpoint for the advertised episode count
// and update time of a series. Every failure yields the Unknown sentinel.
func (c *Client) FetchSeriesInfo(ctx context.Context, code string, restricted bool) SeriesInfo {
	meta, err := c.fetchMeta(ctx, code, restricted)
	if err != nil {
		log.Printf("[remote] series info %s: %v", code, err)
		return unknownInfo
	}
	return SeriesInfo{Count: meta.AdvertisedCount, Updated: meta.LastUpdated}
}

// FetchSeriesMeta returns the full series record advertised by the metadata
// endpoint, used when registering a series for the first time.
func (c *Client) FetchSeriesMeta(ctx context.Context, code string, restricted bool) (domain.Series, error) {
	return c.fetchMeta(ctx, code, restricted)
}

func (c *Client) infoEndpoint(restricted bool) string {
	if restricted {
		return c.restrictedInfo
	}
	return c.infoURL
}

func (c *Client) fetchMeta(ctx context.Context, code string, restricted bool) (domain.Series, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Series{}, fmt.Errorf("empty content code")
	}
	endpoint, err := url.Parse(c.infoEndpoint(restricted))
	if err != nil || endpoint.Host == "" {
		return domain.Series{}, fmt.Errorf("invalid info endpoint %q", c.infoEndpoint(restricted))
	}
	q := endpoint.Query()
	q.Set("ncode", code)
	q.Set("of", infoFields)
	q.Set("gzip", "5")
	q.Set("out", "json")
	endpoint.RawQuery = q.Encode()

	data, uncompressed, err := c.get(ctx, endpoint.String())
	if err != nil {
		return domain.Series{}, err
	}
	payload, err := inflate(data, uncompressed)
	if err != nil {
		return domain.Series{}, err
	}
	return c.decodeMeta(code, restricted, payload)
}

// inflate undoes the gzip compression requested through the query string.
// The transport may already have removed it if the server also set a
// Content-Encoding header.
func inflate(data []byte, uncompressed bool) ([]byte, error) {
	if uncompressed && !isGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

type metaRecord map[string]json.RawMessage

func (c *Client) decodeMeta(code string, restricted bool, payload []byte) (domain.Series, error) {
	var records []metaRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return domain.Series{}, fmt.Errorf("decode: %w", err)
	}
	if len(records) < 2 || records[1] == nil {
		return domain.Series{}, fmt.Errorf("no series record in response")
	}
	rec := records[1]

	count, ok := rec.int("general_all_no")
	if !ok {
		return domain.Series{}, fmt.Errorf("response lacks episode count")
	}

	updated := c.normalizeTimestamp(rec["general_lastup"])
	series := domain.Series{
		Code:            code,
		Title:           rec.string("title"),
		Author:          rec.string("writer"),
		Synopsis:        rec.string("story"),
		Keywords:        rec.string("keyword"),
		AdvertisedCount: count,
		LastUpdated:     updated,
		UpdatedAt:       c.parseUpdated(updated),
	}
	if genre, ok := rec.int("genre"); ok {
		series.Genre = strconv.Itoa(genre)
	} else {
		series.Genre = rec.string("genre")
	}
	if restricted {
		series.Rating = domain.RatingRestricted
	}
	return series, nil
}

// normalizeTimestamp keeps free-text timestamps verbatim, formats epoch
// values canonically and substitutes now when nothing was sent.
func (c *Client) normalizeTimestamp(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return c.now().Format(domain.TimestampLayout)
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}
	var epoch json.Number
	if err := json.Unmarshal(trimmed, &epoch); err == nil {
		if secs, err := epoch.Int64(); err == nil {
			return time.Unix(secs, 0).In(c.now().Location()).Format(domain.TimestampLayout)
		}
	}
	return c.now().Format(domain.TimestampLayout)
}

func (c *Client) parseUpdated(value string) time.Time {
	if t, err := time.ParseInLocation(domain.TimestampLayout, value, c.now().Location()); err == nil {
		return t
	}
	return c.now()
}

func (r metaRecord) string(key string) string {
	raw, ok := r[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (r metaRecord) int(key string) (int, bool) {
	raw, ok := r[key]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return int(v), true
}
