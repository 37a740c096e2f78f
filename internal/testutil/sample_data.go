// Package testutil provides fakes and fixtures shared by vodarr package tests:
// a scripted tool runner, HLS/MPEG-TS output fixtures, a migrated SQLite
// database and sample media metadata.
package testutil

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Fictional hosts for sample URLs. Never use real video sites.
var SampleHosts = []string{
	"media.example.test",
	"clips.example.test",
	"videos.invalid",
}

// SampleTitles are fictional titles, including non-ASCII and decomposed
// forms so NFC normalisation is exercised.
var SampleTitles = []string{
	"Harbour Timelapse",
	"Cafe\u0301 Walkthrough",
	"  Mountain Ridge Flyover  ",
	"日本の朝",
	"Lecture 4: Queues",
}

// SampleMedia describes one fake remote video.
type SampleMedia struct {
	URL      string
	Title    string
	Duration float64
	Thumb    string
}

// InfoJSON renders the media as a yt-dlp --dump-single-json document.
func (m SampleMedia) InfoJSON() []byte {
	doc := map[string]any{
		"_type":         "video",
		"id":            "sample",
		"title":         m.Title,
		"duration":      m.Duration,
		"thumbnail":     m.Thumb,
		"webpage_url":   m.URL,
		"extractor_key": "Generic",
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// SampleDataGenerator produces deterministic sample media.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a generator seeded from the clock.
func NewSampleDataGenerator() *SampleDataGenerator {
	return NewSampleDataGeneratorWithSeed(time.Now().UnixNano())
}

// NewSampleDataGeneratorWithSeed creates a generator with a fixed seed.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Media returns one sample video.
func (g *SampleDataGenerator) Media() SampleMedia {
	host := SampleHosts[g.rng.Intn(len(SampleHosts))]
	id := g.rng.Intn(1_000_000)
	return SampleMedia{
		URL:      fmt.Sprintf("https://%s/watch/%06d", host, id),
		Title:    SampleTitles[g.rng.Intn(len(SampleTitles))],
		Duration: float64(g.rng.Intn(3600)) + g.rng.Float64(),
		Thumb:    fmt.Sprintf("https://%s/thumbs/%06d.jpg", host, id),
	}
}

// MediaList returns n sample videos.
func (g *SampleDataGenerator) MediaList(n int) []SampleMedia {
	out := make([]SampleMedia, n)
	for i := range out {
		out[i] = g.Media()
	}
	return out
}
