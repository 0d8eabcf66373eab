// Package har turns captured HAR traffic into call samples for offline replay.
package har

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/selfopt/internal/filter"
	"github.com/yourorg/selfopt/pkg/types"
)

type HARFile struct {
	Log struct {
		Entries []Entry `json:"entries"`
	} `json:"log"`
}

type Entry struct {
	StartedDateTime string  `json:"startedDateTime"`
	Time            float64 `json:"time"`
	Request         struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"request"`
	Response struct {
		Status  int `json:"status"`
		Content struct {
			MimeType string `json:"mimeType"`
			Size     int64  `json:"size"`
		} `json:"content"`
	} `json:"response"`
}

// Parse reads a HAR file and returns the tracked calls as metrics, oldest first.
func Parse(filePath string, f *filter.Filter) ([]types.Metric, error) {
	fh, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ParseReader(fh, f)
}

// ParseReader is Parse over an already opened HAR document. A nil filter
// keeps every entry.
func ParseReader(r io.Reader, f *filter.Filter) ([]types.Metric, error) {
	var hf HARFile
	if err := json.NewDecoder(r).Decode(&hf); err != nil {
		return nil, fmt.Errorf("decode har: %w", err)
	}
	out := make([]types.Metric, 0, len(hf.Log.Entries))
	for _, e := range hf.Log.Entries {
		ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse startedDateTime: %w", err)
		}
		u, err := url.Parse(e.Request.URL)
		if err != nil {
			return nil, fmt.Errorf("parse request url: %w", err)
		}
		method := strings.ToUpper(e.Request.Method)
		if !f.Track(method, u.Path) {
			continue
		}
		dur := int64(e.Time)
		if dur < 0 {
			dur = 0
		}
		out = append(out, types.Metric{
			Endpoint:   filter.Endpoint(method, u.Path),
			DurationMs: dur,
			Success:    filter.Successful(e.Response.Status),
			Timestamp:  ts.Add(time.Duration(dur) * time.Millisecond),
			Metadata: map[string]any{
				"host":        u.Host,
				"status":      e.Response.Status,
				"contentType": e.Response.Content.MimeType,
				"source":      "har",
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
