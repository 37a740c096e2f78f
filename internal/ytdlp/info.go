// Package ytdlp drives the yt-dlp tool: a metadata probe that never downloads
// media, and an acquisition step that fetches one file under a height ceiling.
package ytdlp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jmylchreest/vodarr/internal/models"
	"golang.org/x/text/unicode/norm"
)

// ErrParse is returned when yt-dlp output cannot be understood.
var ErrParse = errors.New("unparseable yt-dlp output")

// Column limits of media_jobs. Longer values are truncated or dropped.
const (
	maxTitleBytes = 1024
	maxURLBytes   = 2048
)

// InfoDump is the subset of yt-dlp's --dump-single-json output vodarr reads.
// Every field is optional; extractors differ wildly in what they report.
type InfoDump struct {
	Type        *string  `json:"_type"`
	ID          *string  `json:"id"`
	Title       *string  `json:"title"`
	Duration    *float64 `json:"duration"`
	Thumbnail   *string  `json:"thumbnail"`
	Description *string  `json:"description"`
	Uploader    *string  `json:"uploader"`
	WebpageURL  *string  `json:"webpage_url"`
	Extractor   *string  `json:"extractor_key"`
}

// ParseInfoDump decodes a single JSON object produced by yt-dlp.
func ParseInfoDump(data []byte) (*InfoDump, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrParse)
	}

	var dump InfoDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return &dump, nil
}

// Metadata is the normalised, storable view of an InfoDump.
type Metadata struct {
	Title           *string
	DurationSeconds *int64
	ThumbnailURL    *string
	Description     *string
}

// IsEmpty reports whether nothing usable was found.
func (m Metadata) IsEmpty() bool {
	return m.Title == nil && m.DurationSeconds == nil && m.ThumbnailURL == nil && m.Description == nil
}

// Patch returns a job patch that sets the available fields.
func (m Metadata) Patch() models.JobPatch {
	return models.JobPatch{
		Title:           m.Title,
		DurationSeconds: m.DurationSeconds,
		ThumbnailURL:    m.ThumbnailURL,
		Description:     m.Description,
	}
}

// Metadata normalises the dump. Text is NFC-normalised and trimmed, empty
// strings become absent, and the duration is rounded to whole seconds.
func (d *InfoDump) Metadata() Metadata {
	var m Metadata
	if title := cleanText(d.Title); title != nil {
		t := models.TruncateUTF8(*title, maxTitleBytes)
		m.Title = &t
	}
	if d.Duration != nil && !math.IsNaN(*d.Duration) && !math.IsInf(*d.Duration, 0) && *d.Duration >= 0 {
		secs := int64(math.Round(*d.Duration))
		m.DurationSeconds = &secs
	}
	if thumb := cleanText(d.Thumbnail); thumb != nil && len(*thumb) <= maxURLBytes && models.ValidateSourceURL(*thumb) == nil {
		m.ThumbnailURL = thumb
	}
	m.Description = cleanText(d.Description)
	return m
}

func cleanText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(norm.NFC.String(*s))
	if v == "" {
		return nil
	}
	return &v
}
