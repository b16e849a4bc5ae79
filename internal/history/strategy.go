package history

import (
	"fmt"
	"strings"
)

// DeviceClass is the caller's form factor.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

// ConnectionSpeed is the caller's network class.
type ConnectionSpeed string

const (
	ConnectionFast   ConnectionSpeed = "fast"
	ConnectionMedium ConnectionSpeed = "medium"
	ConnectionSlow   ConnectionSpeed = "slow"
)

const (
	mobileViewportWidth = 768
	tabletViewportWidth = 1024
)

// Profile is the input to strategy selection.
type Profile struct {
	Device     DeviceClass     `json:"deviceClass"`
	Connection ConnectionSpeed `json:"connectionSpeed"`
}

// ParseDeviceClass accepts mobile, tablet or desktop.
func ParseDeviceClass(value string) (DeviceClass, error) {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(value))) {
	case DeviceMobile:
		return DeviceMobile, nil
	case DeviceTablet:
		return DeviceTablet, nil
	case DeviceDesktop, "":
		return DeviceDesktop, nil
	default:
		return "", fmt.Errorf("history: unknown device class %q", value)
	}
}

// ParseConnectionSpeed accepts fast, medium or slow.
func ParseConnectionSpeed(value string) (ConnectionSpeed, error) {
	switch ConnectionSpeed(strings.ToLower(strings.TrimSpace(value))) {
	case ConnectionFast, "":
		return ConnectionFast, nil
	case ConnectionMedium:
		return ConnectionMedium, nil
	case ConnectionSlow:
		return ConnectionSlow, nil
	default:
		return "", fmt.Errorf("history: unknown connection speed %q", value)
	}
}

// ClassifyDevice prefers the viewport width when known and falls back to user agent hints.
func ClassifyDevice(userAgent string, viewportWidth int) DeviceClass {
	if viewportWidth > 0 {
		switch {
		case viewportWidth < mobileViewportWidth:
			return DeviceMobile
		case viewportWidth < tabletViewportWidth:
			return DeviceTablet
		default:
			return DeviceDesktop
		}
	}
	agent := strings.ToLower(userAgent)
	switch {
	case strings.Contains(agent, "ipad"), strings.Contains(agent, "tablet"):
		return DeviceTablet
	case strings.Contains(agent, "android") && !strings.Contains(agent, "mobile"):
		return DeviceTablet
	case strings.Contains(agent, "mobi"), strings.Contains(agent, "iphone"), strings.Contains(agent, "android"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// ClassifyConnection maps Network Information API hints (effectiveType, downlink in Mbps).
// Unknown input is treated as fast.
func ClassifyConnection(effectiveType string, downlinkMbps float64) ConnectionSpeed {
	switch strings.ToLower(strings.TrimSpace(effectiveType)) {
	case "slow-2g", "2g":
		return ConnectionSlow
	case "3g":
		return ConnectionMedium
	case "4g", "5g", "wifi", "ethernet":
		if downlinkMbps > 0 && downlinkMbps < 1 {
			return ConnectionSlow
		}
		return ConnectionFast
	}
	switch {
	case downlinkMbps <= 0:
		return ConnectionFast
	case downlinkMbps < 1:
		return ConnectionSlow
	case downlinkMbps < 5:
		return ConnectionMedium
	default:
		return ConnectionFast
	}
}

// Strategy describes how history is paged for a profile.
type Strategy struct {
	Name            string `json:"name"`
	InitialPageSize int    `json:"initialPageSize"`
	PageSize        int    `json:"pageSize"`
	// Pagination means the view pulls older pages by cursor as the user scrolls up.
	Pagination bool `json:"pagination"`
	// TimeBased means the view relies on a single larger backfill instead of scroll paging.
	TimeBased  bool `json:"timeBased"`
	WindowSize int  `json:"windowSize"`
}

var (
	compactStrategy  = Strategy{Name: "compact", InitialPageSize: 15, PageSize: 15, Pagination: true, WindowSize: 20}
	balancedStrategy = Strategy{Name: "balanced", InitialPageSize: 30, PageSize: 30, Pagination: true, WindowSize: 40}
	fullStrategy     = Strategy{Name: "full", InitialPageSize: 50, PageSize: 50, TimeBased: true, WindowSize: 100}
)

// SelectStrategy is the policy table: mobile or slow callers get small cursor-paged windows,
// desktop on a fast link gets a large initial page.
func SelectStrategy(profile Profile) Strategy {
	switch {
	case profile.Device == DeviceMobile, profile.Connection == ConnectionSlow:
		return compactStrategy
	case profile.Device == DeviceTablet, profile.Connection == ConnectionMedium:
		return balancedStrategy
	default:
		return fullStrategy
	}
}
