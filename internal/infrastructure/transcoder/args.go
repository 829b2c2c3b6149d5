package transcoder

import (
	"strconv"

	"relaycast/internal/core/domain"
)

// BuildArgs assembles the ffmpeg argument vector for one relay session.
// Input is a WebM stream read from stdin (the browser delivers fragmented
// WebM chunks); output is FLV pushed to the destination RTMP endpoint.
// x264 is tuned for encoding latency over compression, and the keyframe
// interval is pinned to twice the profile frame rate so keyframes arrive
// at most two seconds apart on every tier.
func BuildArgs(destination string, profile domain.Profile) []string {
	fps := strconv.Itoa(profile.FPS)
	bitrate := strconv.Itoa(profile.BitrateKbps) + "k"
	bufsize := strconv.Itoa(profile.BitrateKbps*2) + "k"

	return []string{
		"-f", "webm",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-r", fps,
		"-g", strconv.Itoa(profile.GOP()),
		"-keyint_min", fps,
		"-crf", strconv.Itoa(profile.CRF),
		"-pix_fmt", "yuv420p",
		"-sc_threshold", "0",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bufsize,
		"-f", "flv",
		destination,
	}
}
