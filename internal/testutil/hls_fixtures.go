package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astits"
)

const fixtureVideoPID = 256

// MPEGTSSegment returns a small but well-formed MPEG-TS stream: PAT, PMT and
// pesCount H.264 PES packets on one PID.
func MPEGTSSegment(pesCount int) ([]byte, error) {
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)
	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: fixtureVideoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return nil, err
	}
	mx.SetPCRPID(fixtureVideoPID)
	if _, err := mx.WriteTables(); err != nil {
		return nil, err
	}

	// Access unit delimiter followed by filler; enough for a demuxer, not a decoder.
	payload := append([]byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}, bytes.Repeat([]byte{0xff}, 200)...)
	for i := range pesCount {
		_, err := mx.WriteData(&astits.MuxerData{
			PID:             fixtureVideoPID,
			AdaptationField: &astits.PacketAdaptationField{RandomAccessIndicator: i == 0},
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					StreamID: 0xe0,
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: int64(90000 * (i + 1))},
					},
				},
				Data: payload,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// MediaPlaylist renders a VOD playlist in the shape ffmpeg's HLS muxer writes.
func MediaPlaylist(segmentSeconds int, segments ...string) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", segmentSeconds)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%d.000000,\n%s\n", segmentSeconds, s)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return []byte(b.String())
}

// WriteHLSOutput writes a playlist and n valid segments into dir, as a
// successful transcode would. It returns the playlist path.
func WriteHLSOutput(dir string, n int) (string, error) {
	seg, err := MPEGTSSegment(3)
	if err != nil {
		return "", err
	}
	names := make([]string, n)
	for i := range n {
		names[i] = fmt.Sprintf("segment_%05d.ts", i)
		if err := os.WriteFile(filepath.Join(dir, names[i]), seg, 0o640); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, "playlist.m3u8")
	if err := os.WriteFile(path, MediaPlaylist(10, names...), 0o640); err != nil {
		return "", err
	}
	return path, nil
}
