package models

import "fmt"

// Platform identifies a supported streaming destination. Each platform maps
// to a fixed RTMP endpoint prefix; the stream key is appended as the final
// path segment when building the destination URL.
type Platform string

const (
	PlatformYouTube  Platform = "YouTube"
	PlatformFacebook Platform = "Facebook"
)

var platformEndpoints = map[Platform]string{
	PlatformYouTube:  "rtmp://a.rtmp.youtube.com/live2",
	PlatformFacebook: "rtmps://live-api-s.facebook.com:443/rtmp",
}

// SupportedPlatforms lists the platforms accepted by create and schedule
// operations, in a stable order.
func SupportedPlatforms() []Platform {
	return []Platform{PlatformYouTube, PlatformFacebook}
}

// Supported reports whether this platform has a known ingest endpoint.
func (p Platform) Supported() bool {
	_, ok := platformEndpoints[p]
	return ok
}

// EndpointPrefix returns the RTMP endpoint prefix for the platform.
func (p Platform) EndpointPrefix() (string, error) {
	prefix, ok := platformEndpoints[p]
	if !ok {
		return "", fmt.Errorf("unsupported platform %q", string(p))
	}
	return prefix, nil
}

// DestinationURL builds the full publish URL for the given stream key.
func (p Platform) DestinationURL(streamKey string) (string, error) {
	prefix, err := p.EndpointPrefix()
	if err != nil {
		return "", err
	}
	return prefix + "/" + streamKey, nil
}
