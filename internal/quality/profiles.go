// Package quality defines the encode profile ladder and steps a running
// session along it.
package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/mikeyg42/framepipe/internal/config"
	"github.com/mikeyg42/framepipe/internal/encoder"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// BitrateRange is in kbps.
type BitrateRange struct {
	Min int `json:"min_kbps"`
	Max int `json:"max_kbps"`
}

// Profile is one rung of the ladder.
type Profile struct {
	Name         string       `json:"name"`
	Resolution   Resolution   `json:"resolution"`
	FrameRate    int          `json:"frame_rate"`
	BitrateRange BitrateRange `json:"bitrate"`
}

// Profiles returns the ladder ordered from highest to lowest quality.
// Bitrates drop about 500 kbps from 30 to 24 fps at the same size.
func Profiles() []Profile {
	return []Profile{
		{"4K@30", Resolution{3840, 2160}, 30, BitrateRange{4500, 6000}},
		{"4K@24", Resolution{3840, 2160}, 24, BitrateRange{4000, 5500}},
		{"1080p@30", Resolution{1920, 1080}, 30, BitrateRange{3500, 5000}},
		{"1080p@24", Resolution{1920, 1080}, 24, BitrateRange{3000, 4500}},
		{"720p@30", Resolution{1280, 720}, 30, BitrateRange{2500, 4000}},
		{"720p@24", Resolution{1280, 720}, 24, BitrateRange{2000, 3500}},
		{"480p@30", Resolution{854, 480}, 30, BitrateRange{1500, 2500}},
		{"480p@24", Resolution{854, 480}, 24, BitrateRange{1200, 2000}},
		{"360p@20", Resolution{640, 360}, 20, BitrateRange{500, 1500}},
	}
}

// ByName finds a ladder profile.
func ByName(name string) (Profile, bool) {
	for _, p := range Profiles() {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Closest returns the ladder profile nearest to the given size and rate,
// weighing pixel count first, then aspect ratio, then frame rate.
func Closest(width, height, frameRate int) Profile {
	profiles := Profiles()
	best := profiles[0]
	bestScore := math.MaxFloat64

	pixels := float64(width * height)
	aspect := float64(width) / float64(height)
	for _, p := range profiles {
		pixelScore := math.Abs(float64(p.Resolution.Pixels())-pixels) / pixels
		aspectScore := math.Abs(aspect - float64(p.Resolution.Width)/float64(p.Resolution.Height))
		fpsScore := math.Abs(float64(p.FrameRate-frameRate)) / 30.0

		score := pixelScore*0.60 + aspectScore*0.25 + fpsScore*0.15
		if score < bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// Custom builds an off-ladder profile for the given size, scaling the
// bitrate of the closest ladder profile by pixel count and frame rate.
func Custom(width, height, frameRate int) Profile {
	base := Closest(width, height, frameRate)
	ratio := float64(width*height) / float64(base.Resolution.Pixels())

	scale := ratio * 0.7
	if ratio > 1.0 {
		scale = 1.0 + (ratio-1.0)*0.6
	}
	scale *= float64(frameRate) / float64(base.FrameRate)

	lo := int(float64(base.BitrateRange.Min) * scale)
	hi := int(float64(base.BitrateRange.Max) * scale)
	if lo < 100 {
		lo = 100
	}
	if hi < lo {
		hi = lo
	}
	if hi > 10000 {
		hi = 10000
	}
	return Profile{
		Name:         fmt.Sprintf("custom %dx%d@%d", width, height, frameRate),
		Resolution:   Resolution{width, height},
		FrameRate:    frameRate,
		BitrateRange: BitrateRange{Min: lo, Max: hi},
	}
}

// Bitrate is the target in bits per second.
func (p Profile) Bitrate() int {
	return p.BitrateRange.Max * 1000
}

// Apply writes the profile into an encoder configuration.
func (p Profile) Apply(c *config.EncoderConfig) {
	c.Width, c.Height = p.Resolution.Width, p.Resolution.Height
	c.FrameRateNum, c.FrameRateDen = p.FrameRate, 1
	c.Bitrate = p.Bitrate()
}

// Reconfigure is the session change that switches to p.
func (p Profile) Reconfigure() encoder.ReconfigureConfig {
	return encoder.ReconfigureConfig{
		Width:         p.Resolution.Width,
		Height:        p.Resolution.Height,
		FrameRateNum:  p.FrameRate,
		FrameRateDen:  1,
		Bitrate:       p.Bitrate(),
		VBVBufferSize: p.Bitrate(),
	}
}

// ladder returns the profiles that fit within bounds, plus current if it is
// off-ladder, ordered from highest to lowest quality.
func ladder(bounds Resolution, current Profile) []Profile {
	var out []Profile
	found := false
	for _, p := range Profiles() {
		if p.Resolution.Width > bounds.Width || p.Resolution.Height > bounds.Height {
			continue
		}
		if p.Name == current.Name {
			found = true
		}
		out = append(out, p)
	}
	if !found {
		out = append(out, current)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Resolution.Pixels() != b.Resolution.Pixels() {
			return a.Resolution.Pixels() > b.Resolution.Pixels()
		}
		return a.FrameRate > b.FrameRate
	})
	return out
}
