package streaming

import (
	"fmt"
	"math"
	"strings"

	"abr-delivery/internal/quality"
)

// PlaylistContentType is the media type of HLS playlists.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// BuildMasterPlaylist lists one variant stream per quality the video is
// encoded at, highest first, with the ladder bitrate as BANDWIDTH.
func BuildMasterPlaylist(v Video) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, l := range quality.Ladder {
		if !v.HasQuality(l.Name) {
			continue
		}
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d\n", l.BitrateKbps*1000))
		b.WriteString(fmt.Sprintf("/videos/%s/playlists/%s\n", v.ID, l.Name))
	}

	return b.String()
}

// BuildMediaPlaylist converts a video rendition into an HLS VOD playlist
// whose URIs point at the segment endpoint. Segments are numbered from 0.
// A video with no segments produces a minimal valid playlist.
func BuildMediaPlaylist(v Video, q string) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(v)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n\n")

	seconds := v.SegmentDuration.Seconds()
	for n := 0; n < v.SegmentCount; n++ {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", seconds))
		b.WriteString(fmt.Sprintf("/videos/%s/segments/%s/%d\n", v.ID, q, n))
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the segment
// duration rounded up to whole seconds, at least 1.
func targetDuration(v Video) int {
	s := v.SegmentDuration.Seconds()
	if s <= 0 {
		return 1
	}
	return int(math.Ceil(s))
}
