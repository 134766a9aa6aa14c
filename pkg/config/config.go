// Package config holds the fully-resolved, immutable server configuration
// consumed by the reactor. The model is frozen once Load returns; nothing in
// the serving path mutates it.
package config

import "time"

// Defaults applied when the configuration file leaves a directive unset.
const (
	DefaultHost                   = "0.0.0.0"
	DefaultPort                   = "80"
	DefaultServerName             = ""
	DefaultClientTimeout          = 75 * time.Second
	DefaultClientHeaderBufferSize = 2048
	DefaultClientMaxBodySize      = 1 << 20
)

// DefaultIndex is the index file list used when no index directive is given.
var DefaultIndex = []string{"index.html"}

// DefaultErrorPages maps status codes to the error pages served when the
// configuration does not override them and the files exist under the root.
var DefaultErrorPages = map[int]string{
	400: "/error/400.html",
	404: "/error/404.html",
	500: "/error/500.html",
	505: "/error/505.html",
}

// DefaultAllowedMethods permits every method the server implements.
func DefaultAllowedMethods() map[string]bool {
	return map[string]bool{"GET": true, "POST": true, "DELETE": true}
}

// ServerKey identifies a virtual server by listening endpoint and host name.
type ServerKey struct {
	Port       string
	Host       string
	ServerName string
}

// Return is a configured return directive: a redirect for 3xx codes with a
// URL target, or a literal text body for any other code.
type Return struct {
	Code   int
	Target string
}

// Location is a URI-prefix-scoped configuration scope. Directives left unset
// in the configuration file are filled in from the owning server at load
// time, so consumers never see a partially-populated Location.
type Location struct {
	Path            string
	Root            string
	Index           []string
	Autoindex       bool
	AllowedMethods  map[string]bool
	UploadDirectory string
	Return          *Return
}

// Server is one virtual server. A server may be reachable through several
// listen endpoints and several server names; the Global table indexes it
// under every (port, host, name) combination.
type Server struct {
	Listens        []ServerKey
	ServerNames    []string
	Root           string
	Index          []string
	ErrorPages     map[int]string
	AllowedMethods map[string]bool
	Autoindex      bool
	CgiBin         map[string]string
	Return         *Return
	Locations      *LocationTrie
}

// Location returns the location whose path is the longest prefix of uri, or
// nil when no location matches.
func (s *Server) Location(uri string) *Location {
	return s.Locations.LongestPrefix(uri)
}

// Global is the root of the configuration model.
type Global struct {
	ClientTimeout          time.Duration
	ClientHeaderBufferSize int
	ClientMaxBodySize      int64
	Servers                map[ServerKey]*Server
}

// LookupServer resolves a virtual server for a request received on
// (localIP, port) carrying the given Host header. Resolution falls back in
// four steps: exact endpoint and host, exact endpoint with default name,
// wildcard address with host, and finally wildcard address with default
// name. The first hit wins.
func (g *Global) LookupServer(port, localIP, host string) *Server {
	keys := [4]ServerKey{
		{Port: port, Host: localIP, ServerName: host},
		{Port: port, Host: localIP, ServerName: DefaultServerName},
		{Port: port, Host: DefaultHost, ServerName: host},
		{Port: port, Host: DefaultHost, ServerName: DefaultServerName},
	}
	for _, key := range keys {
		if srv, ok := g.Servers[key]; ok {
			return srv
		}
	}
	return nil
}
