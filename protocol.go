package weft

import "net/http"

// Header names of the weft command protocol. Every registry interaction is
// one HTTP exchange whose command is selected by `weft-command`; the
// remaining headers are present or absent per command.
const (
	headerCommand         = "weft-command"
	headerServiceName     = "weft-service-name"
	headerServiceLocation = "weft-service-location"
	headerServiceHome     = "weft-service-home"
	headerUseAuthService  = "weft-use-auth-service"
	headerAuthToken       = "weft-auth-token"
	headerRegistryToken   = "weft-registry-token"
	headerRoutePath       = "weft-route-path"
	headerRouteDataType   = "weft-route-datatype"
	headerRouteType       = "weft-route-type"
	headerChannel         = "weft-pubsub-channel"
)

// Command selects which registry operation an exchange performs.
type Command string

const (
	CommandServiceSetup      Command = "service-setup"
	CommandServiceRegister   Command = "service-register"
	CommandServiceUnregister Command = "service-unregister"
	CommandServiceCall       Command = "service-call"
	CommandRouteRegister     Command = "route-register"
	CommandPublish           Command = "pubsub-publish"
	CommandSubscribe         Command = "pubsub-subscribe"
	CommandUnsubscribe       Command = "pubsub-unsubscribe"
	CommandCacheUpdate       Command = "cache-update"
)

// Defaults for route registration.
const (
	DefaultRouteDataType = "application/json"
	DefaultRouteType     = "route"
)

// Frame is the structured form of one command's headers, decoded once at
// the boundary so handler logic can switch on `Command` instead of
// comparing header strings.
type Frame struct {
	Command         Command
	ServiceName     string
	ServiceLocation string
	ServiceHome     string
	UseAuthService  string
	RoutePath       string
	RouteDataType   string
	RouteType       string
	Channel         string
}

// ParseFrame decodes the command-related headers of an inbound request.
// Absent headers decode to empty fields; a Frame with an empty Command is
// not a protocol request at all.
func ParseFrame(hdr http.Header) Frame {
	return Frame{
		Command:         Command(hdr.Get(headerCommand)),
		ServiceName:     hdr.Get(headerServiceName),
		ServiceLocation: hdr.Get(headerServiceLocation),
		ServiceHome:     hdr.Get(headerServiceHome),
		UseAuthService:  hdr.Get(headerUseAuthService),
		RoutePath:       hdr.Get(headerRoutePath),
		RouteDataType:   hdr.Get(headerRouteDataType),
		RouteType:       hdr.Get(headerRouteType),
		Channel:         hdr.Get(headerChannel),
	}
}

// IsCommand reports whether the frame carries a protocol command.
func (f Frame) IsCommand() bool { return f.Command != "" }

func newCommandHeader(cmd Command) http.Header {
	hdr := http.Header{}
	hdr.Set(headerCommand, string(cmd))
	return hdr
}

// withRegistryToken attaches the opaque registry credential as its own
// header. It is never folded into another field.
func withRegistryToken(hdr http.Header, token string) http.Header {
	if token != "" {
		hdr.Set(headerRegistryToken, token)
	}
	return hdr
}

func buildSetupHeaders(name, home, token string) http.Header {
	hdr := newCommandHeader(CommandServiceSetup)
	hdr.Set(headerServiceName, name)
	hdr.Set(headerServiceHome, home)
	return withRegistryToken(hdr, token)
}

func buildRegisterHeaders(name, location, useAuthService, token string) http.Header {
	hdr := newCommandHeader(CommandServiceRegister)
	hdr.Set(headerServiceName, name)
	hdr.Set(headerServiceLocation, location)
	if useAuthService != "" {
		hdr.Set(headerUseAuthService, useAuthService)
	}
	return withRegistryToken(hdr, token)
}

func buildUnregisterHeaders(name, location, token string) http.Header {
	hdr := newCommandHeader(CommandServiceUnregister)
	hdr.Set(headerServiceName, name)
	hdr.Set(headerServiceLocation, location)
	return withRegistryToken(hdr, token)
}

func buildCallHeaders(name, authToken string) http.Header {
	hdr := newCommandHeader(CommandServiceCall)
	hdr.Set(headerServiceName, name)
	if authToken != "" {
		hdr.Set(headerAuthToken, authToken)
	}
	return hdr
}

func buildRouteRegisterHeaders(name, path, dataType, routeType, token string) http.Header {
	hdr := newCommandHeader(CommandRouteRegister)
	hdr.Set(headerServiceName, name)
	hdr.Set(headerRoutePath, path)
	hdr.Set(headerRouteDataType, dataType)
	hdr.Set(headerRouteType, routeType)
	return withRegistryToken(hdr, token)
}

func buildPublishHeaders(channel, token string) http.Header {
	hdr := newCommandHeader(CommandPublish)
	hdr.Set(headerChannel, channel)
	return withRegistryToken(hdr, token)
}

func buildSubscribeHeaders(channel, location, token string) http.Header {
	hdr := newCommandHeader(CommandSubscribe)
	hdr.Set(headerChannel, channel)
	hdr.Set(headerServiceLocation, location)
	return withRegistryToken(hdr, token)
}

func buildUnsubscribeHeaders(channel, location, token string) http.Header {
	hdr := newCommandHeader(CommandUnsubscribe)
	hdr.Set(headerChannel, channel)
	hdr.Set(headerServiceLocation, location)
	return withRegistryToken(hdr, token)
}

func buildCacheUpdateHeaders(channel, name, location string) http.Header {
	hdr := newCommandHeader(CommandCacheUpdate)
	hdr.Set(headerChannel, channel)
	hdr.Set(headerServiceName, name)
	hdr.Set(headerServiceLocation, location)
	return hdr
}
