package services

import (
	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

type endpointService struct {
	templates map[domain.Platform]string
	profiles  map[domain.Quality]domain.Profile
}

// NewEndpointService builds the pure platform/quality resolver. Templates
// and profiles may be overridden from configuration; nil maps select the
// built-in defaults.
func NewEndpointService(templates map[domain.Platform]string, profiles map[domain.Quality]domain.Profile) ports.EndpointService {
	if templates == nil {
		templates = DefaultEndpointTemplates()
	}
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &endpointService{
		templates: templates,
		profiles:  profiles,
	}
}

// DefaultEndpointTemplates returns the per-platform ingest URI templates.
// The secret is appended to the template; custom has no template because
// the secret is already a complete endpoint.
func DefaultEndpointTemplates() map[domain.Platform]string {
	return map[domain.Platform]string{
		domain.PlatformYouTube:  "rtmp://a.rtmp.youtube.com/live2/",
		domain.PlatformTwitch:   "rtmp://live.twitch.tv/live/",
		domain.PlatformFacebook: "rtmps://live-api-s.facebook.com:443/rtmp/",
	}
}

// DefaultProfiles returns the built-in quality tier table.
func DefaultProfiles() map[domain.Quality]domain.Profile {
	return map[domain.Quality]domain.Profile{
		domain.QualityLow:    {BitrateKbps: 1000, FPS: 15, CRF: 28},
		domain.QualityMedium: {BitrateKbps: 2500, FPS: 25, CRF: 25},
		domain.QualityHigh:   {BitrateKbps: 4000, FPS: 30, CRF: 23},
		domain.QualityUltra:  {BitrateKbps: 6000, FPS: 60, CRF: 21},
	}
}

func (s *endpointService) ResolveEndpoint(platform domain.Platform, secret string) string {
	platform = domain.ParsePlatform(string(platform))
	if platform == domain.PlatformCustom {
		// The caller supplied a complete endpoint, not a short key.
		return secret
	}
	tmpl, ok := s.templates[platform]
	if !ok {
		tmpl = s.templates[domain.PlatformYouTube]
	}
	return tmpl + secret
}

func (s *endpointService) ResolveProfile(quality domain.Quality) domain.Profile {
	quality = domain.ParseQuality(string(quality))
	profile, ok := s.profiles[quality]
	if !ok {
		profile = s.profiles[domain.QualityMedium]
	}
	return profile
}
