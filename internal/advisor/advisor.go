// Package advisor picks an upscale factor for a device.
package advisor

import (
	"net/http"
	"regexp"
	"strconv"
)

// Device is what the client reports about its display.
type Device struct {
	PixelRatio  float64 `json:"pixel_ratio"`
	ScreenWidth int     `json:"screen_width"`
	UserAgent   string  `json:"user_agent,omitempty"`
}

var mobileUA = regexp.MustCompile(`(?i)Mobi|Android|iPhone`)

func IsMobile(userAgent string) bool {
	return mobileUA.MatchString(userAgent)
}

// DetermineScaleFactor returns 2 or 4. High density desktop displays and
// small images get 4; an image already wider than half the physical screen
// always gets 2. An unknown screen width (0) skips that last rule.
func DetermineScaleFactor(d Device, originalWidth int) int {
	dpr := d.PixelRatio
	if dpr <= 0 {
		dpr = 1
	}

	factor := 2
	if dpr >= 2 && !IsMobile(d.UserAgent) {
		factor = 4
	}
	if originalWidth < 400 {
		factor = max(factor, 4)
	}
	if d.ScreenWidth > 0 && float64(originalWidth) > float64(d.ScreenWidth)*dpr/2 {
		factor = 2
	}
	return factor
}

// DeviceFromRequest reads the device from the dpr and screen_width query
// parameters, falling back to the Sec-CH-DPR and Sec-CH-Viewport-Width
// client hints.
func DeviceFromRequest(r *http.Request) Device {
	q := r.URL.Query()
	d := Device{UserAgent: r.UserAgent()}

	if v, err := strconv.ParseFloat(firstNonEmpty(q.Get("dpr"), r.Header.Get("Sec-CH-DPR")), 64); err == nil && v > 0 {
		d.PixelRatio = v
	} else {
		d.PixelRatio = 1
	}
	if v, err := strconv.Atoi(firstNonEmpty(q.Get("screen_width"), r.Header.Get("Sec-CH-Viewport-Width"))); err == nil && v > 0 {
		d.ScreenWidth = v
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
