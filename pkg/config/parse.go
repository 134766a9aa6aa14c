package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	gconfig "github.com/lefeck/gonginx/config"
	"github.com/lefeck/gonginx/parser"

	"github.com/Talkashi1111/Webserver/pkg/logging"
)

// redirectCodes are the return-directive codes that emit a Location header.
var redirectCodes = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// serverBuilder accumulates one server block during parsing. The set flags
// distinguish "directive absent" from "directive equal to the default" so
// inheritance into locations works the way the directives document it.
type serverBuilder struct {
	srv           *Server
	seenListens   map[ServerKey]bool
	seenReturn    bool
	seenAutoindex bool
	seenRoot      bool
	seenMethods   bool
}

// locationBuilder accumulates one location block; nil-able fields mark
// directives that were never given and must inherit from the server.
type locationBuilder struct {
	path      string
	root      *string
	index     []string
	autoindex *bool
	methods   map[string]bool
	uploadDir string
	ret       *Return
}

// Load reads and parses the configuration file at path into the immutable
// model. Any syntactic or semantic problem is a load-time error; the serving
// core never sees a partially-valid configuration.
func Load(path string, log logging.Logger) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	g, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	log.Infof("loaded %d virtual server keys from %s", len(g.Servers), path)
	return g, nil
}

// Parse parses configuration text into the model.
func Parse(content string) (*Global, error) {
	cfg, err := parser.NewStringParser(content).Parse()
	if err != nil {
		return nil, err
	}

	g := &Global{
		ClientTimeout:          DefaultClientTimeout,
		ClientHeaderBufferSize: DefaultClientHeaderBufferSize,
		ClientMaxBodySize:      DefaultClientMaxBodySize,
		Servers:                make(map[ServerKey]*Server),
	}

	var timeoutSet, headerSizeSet, bodySizeSet bool
	for _, dir := range cfg.GetDirectives() {
		params := paramValues(dir)
		switch dir.GetName() {
		case "client_timeout":
			if timeoutSet {
				return nil, fmt.Errorf("duplicate client_timeout directive")
			}
			if len(params) != 1 {
				return nil, fmt.Errorf("invalid client_timeout directive")
			}
			secs, err := strconv.Atoi(params[0])
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid timeout in client_timeout directive: %q", params[0])
			}
			g.ClientTimeout = time.Duration(secs) * time.Second
			timeoutSet = true
		case "client_header_buffer_size":
			if headerSizeSet {
				return nil, fmt.Errorf("duplicate client_header_buffer_size directive")
			}
			n, err := parseSize(params)
			if err != nil {
				return nil, fmt.Errorf("client_header_buffer_size: %w", err)
			}
			g.ClientHeaderBufferSize = int(n)
			headerSizeSet = true
		case "client_max_body_size":
			if bodySizeSet {
				return nil, fmt.Errorf("duplicate client_max_body_size directive")
			}
			n, err := parseSize(params)
			if err != nil {
				return nil, fmt.Errorf("client_max_body_size: %w", err)
			}
			g.ClientMaxBodySize = n
			bodySizeSet = true
		case "server":
			srv, listens, err := buildServer(dir)
			if err != nil {
				return nil, err
			}
			registerServer(g, srv, listens)
		default:
			return nil, fmt.Errorf("invalid directive in global block: %q", dir.GetName())
		}
	}
	if len(g.Servers) == 0 {
		return nil, fmt.Errorf("no server blocks in configuration")
	}
	return g, nil
}

// paramValues flattens a directive's parameters to plain strings.
func paramValues(dir gconfig.IDirective) []string {
	params := dir.GetParameters()
	out := make([]string, 0, len(params))
	for _, p := range params {
		out = append(out, p.GetValue())
	}
	return out
}

// parseSize parses a byte count with an optional k/K/m/M suffix.
func parseSize(params []string) (int64, error) {
	if len(params) != 1 || params[0] == "" {
		return 0, fmt.Errorf("expected one size value")
	}
	v := params[0]
	last := v[len(v)-1]
	if last < '0' || last > '9' {
		if last != 'k' && last != 'K' && last != 'm' && last != 'M' {
			return 0, fmt.Errorf("invalid size suffix in %q", v)
		}
		if _, err := strconv.Atoi(v[:len(v)-1]); err != nil {
			return 0, fmt.Errorf("invalid size value %q", v)
		}
	} else if _, err := strconv.Atoi(v); err != nil {
		return 0, fmt.Errorf("invalid size value %q", v)
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size value %q", v)
	}
	return n, nil
}

func buildServer(dir gconfig.IDirective) (*Server, []ServerKey, error) {
	block := dir.GetBlock()
	if block == nil {
		return nil, nil, fmt.Errorf("server directive without a block")
	}

	b := &serverBuilder{
		srv: &Server{
			Root:       defaultRoot(),
			ErrorPages: make(map[int]string, len(DefaultErrorPages)),
			CgiBin:     make(map[string]string),
			Locations:  NewLocationTrie(),
		},
		seenListens: make(map[ServerKey]bool),
	}
	// Every server starts with the stock error pages; explicit error_page
	// directives override them per code.
	for code, page := range DefaultErrorPages {
		b.srv.ErrorPages[code] = page
	}
	var locs []*locationBuilder

	for _, sub := range block.GetDirectives() {
		params := paramValues(sub)
		switch sub.GetName() {
		case "listen":
			if len(params) != 1 {
				return nil, nil, fmt.Errorf("invalid listen directive")
			}
			keys, err := resolveListen(params[0])
			if err != nil {
				return nil, nil, err
			}
			for _, key := range keys {
				if b.seenListens[key] {
					return nil, nil, fmt.Errorf("duplicate listen directive: %s:%s", key.Host, key.Port)
				}
				b.seenListens[key] = true
				b.srv.Listens = append(b.srv.Listens, key)
			}
		case "server_name":
			if len(params) == 0 {
				return nil, nil, fmt.Errorf("invalid server_name directive")
			}
			b.srv.ServerNames = append(b.srv.ServerNames, params...)
		case "root":
			if b.seenRoot {
				return nil, nil, fmt.Errorf("duplicate root directive")
			}
			if err := validateRoot(params); err != nil {
				return nil, nil, err
			}
			b.srv.Root = params[0]
			b.seenRoot = true
		case "index":
			if len(params) == 0 {
				return nil, nil, fmt.Errorf("invalid index directive")
			}
			b.srv.Index = append(b.srv.Index, params...)
		case "error_page":
			if len(params) < 2 {
				return nil, nil, fmt.Errorf("invalid error_page directive")
			}
			page := params[len(params)-1]
			if !strings.HasPrefix(page, "/") {
				return nil, nil, fmt.Errorf("invalid path in error_page directive: %q", page)
			}
			for _, codeStr := range params[:len(params)-1] {
				code, err := strconv.Atoi(codeStr)
				if err != nil || code < 300 || code > 599 {
					return nil, nil, fmt.Errorf("invalid error code in error_page directive: %q", codeStr)
				}
				b.srv.ErrorPages[code] = page
			}
		case "allowed_methods":
			if b.seenMethods {
				return nil, nil, fmt.Errorf("duplicate allowed_methods directive")
			}
			methods, err := parseMethods(params)
			if err != nil {
				return nil, nil, err
			}
			b.srv.AllowedMethods = methods
			b.seenMethods = true
		case "autoindex":
			if b.seenAutoindex {
				return nil, nil, fmt.Errorf("duplicate autoindex directive")
			}
			on, err := parseOnOff(params)
			if err != nil {
				return nil, nil, err
			}
			b.srv.Autoindex = on
			b.seenAutoindex = true
		case "cgi_bin":
			if len(params) != 2 || !strings.HasPrefix(params[0], ".") || !strings.HasPrefix(params[1], "/") {
				return nil, nil, fmt.Errorf("invalid cgi_bin directive")
			}
			if _, dup := b.srv.CgiBin[params[0]]; dup {
				return nil, nil, fmt.Errorf("duplicate cgi_bin extension %q", params[0])
			}
			b.srv.CgiBin[params[0]] = params[1]
		case "return":
			if b.seenReturn {
				return nil, nil, fmt.Errorf("duplicate return directive")
			}
			ret, err := parseReturn(params)
			if err != nil {
				return nil, nil, err
			}
			b.srv.Return = ret
			b.seenReturn = true
		case "location":
			loc, err := buildLocation(sub, params)
			if err != nil {
				return nil, nil, err
			}
			locs = append(locs, loc)
		default:
			return nil, nil, fmt.Errorf("invalid directive in server block: %q", sub.GetName())
		}
	}

	if len(b.srv.Listens) == 0 {
		key := ServerKey{Port: DefaultPort, Host: DefaultHost}
		b.srv.Listens = []ServerKey{key}
	}
	if b.srv.Index == nil {
		b.srv.Index = append([]string(nil), DefaultIndex...)
	}
	if b.srv.AllowedMethods == nil {
		b.srv.AllowedMethods = DefaultAllowedMethods()
	}

	for _, lb := range locs {
		if err := b.srv.Locations.Insert(lb.resolve(b.srv)); err != nil {
			return nil, nil, err
		}
	}
	return b.srv, b.srv.Listens, nil
}

func buildLocation(dir gconfig.IDirective, params []string) (*locationBuilder, error) {
	if len(params) != 1 || !strings.HasPrefix(params[0], "/") {
		return nil, fmt.Errorf("invalid location path")
	}
	block := dir.GetBlock()
	if block == nil {
		return nil, fmt.Errorf("location %q without a block", params[0])
	}
	lb := &locationBuilder{path: params[0]}
	for _, sub := range block.GetDirectives() {
		sp := paramValues(sub)
		switch sub.GetName() {
		case "root":
			if lb.root != nil {
				return nil, fmt.Errorf("duplicate root directive")
			}
			if err := validateRoot(sp); err != nil {
				return nil, err
			}
			lb.root = &sp[0]
		case "index":
			if len(sp) == 0 {
				return nil, fmt.Errorf("invalid index directive")
			}
			lb.index = append(lb.index, sp...)
		case "autoindex":
			if lb.autoindex != nil {
				return nil, fmt.Errorf("duplicate autoindex directive")
			}
			on, err := parseOnOff(sp)
			if err != nil {
				return nil, err
			}
			lb.autoindex = &on
		case "allowed_methods":
			if lb.methods != nil {
				return nil, fmt.Errorf("duplicate allowed_methods directive")
			}
			methods, err := parseMethods(sp)
			if err != nil {
				return nil, err
			}
			lb.methods = methods
		case "upload_directory":
			if lb.uploadDir != "" {
				return nil, fmt.Errorf("duplicate upload_directory directive")
			}
			if len(sp) != 1 || !strings.HasPrefix(sp[0], "/") {
				return nil, fmt.Errorf("invalid upload_directory directive")
			}
			lb.uploadDir = sp[0]
		case "return":
			if lb.ret != nil {
				return nil, fmt.Errorf("duplicate return directive")
			}
			ret, err := parseReturn(sp)
			if err != nil {
				return nil, err
			}
			lb.ret = ret
		default:
			return nil, fmt.Errorf("invalid directive in location block: %q", sub.GetName())
		}
	}
	return lb, nil
}

// resolve fills the location's unset directives from the owning server.
func (lb *locationBuilder) resolve(srv *Server) *Location {
	loc := &Location{
		Path:            lb.path,
		Root:            srv.Root,
		Index:           srv.Index,
		Autoindex:       srv.Autoindex,
		AllowedMethods:  srv.AllowedMethods,
		UploadDirectory: lb.uploadDir,
		Return:          lb.ret,
	}
	if lb.root != nil {
		loc.Root = *lb.root
	}
	if lb.index != nil {
		loc.Index = lb.index
	}
	if lb.autoindex != nil {
		loc.Autoindex = *lb.autoindex
	}
	if lb.methods != nil {
		loc.AllowedMethods = lb.methods
	}
	return loc
}

func parseMethods(params []string) (map[string]bool, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("invalid allowed_methods directive: no methods specified")
	}
	methods := make(map[string]bool, len(params))
	for _, m := range params {
		if m != "GET" && m != "POST" && m != "DELETE" {
			return nil, fmt.Errorf("invalid method in allowed_methods directive: %q", m)
		}
		methods[m] = true
	}
	return methods, nil
}

func parseOnOff(params []string) (bool, error) {
	if len(params) != 1 {
		return false, fmt.Errorf("invalid autoindex directive")
	}
	switch params[0] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid autoindex directive value: %q", params[0])
}

func parseReturn(params []string) (*Return, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("invalid return directive")
	}
	code, err := strconv.Atoi(params[0])
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("invalid status code in return directive: %q", params[0])
	}
	target := params[1]
	if redirectCodes[code] {
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") && !strings.HasPrefix(target, "/") {
			return nil, fmt.Errorf("invalid URL in return directive: %q", target)
		}
	}
	return &Return{Code: code, Target: target}, nil
}

func validateRoot(params []string) error {
	if len(params) != 1 || !strings.HasPrefix(params[0], "/") {
		return fmt.Errorf("invalid root directive")
	}
	return nil
}

// resolveListen expands one listen directive into endpoint keys. A bare
// number is a port on the wildcard address; a bare name is a host on port
// 80; host names resolve to every address they map to.
func resolveListen(listen string) ([]ServerKey, error) {
	if listen == "" || listen == ":" {
		return nil, fmt.Errorf("empty listen directive")
	}

	host := ""
	port := DefaultPort

	if strings.HasPrefix(listen, "[") {
		// IPv6 literal, [addr] or [addr]:port.
		end := strings.IndexByte(listen, ']')
		if end < 0 {
			return nil, fmt.Errorf("invalid IPv6 address in listen directive: %q", listen)
		}
		host = listen[1:end]
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 address in listen directive: %q", listen)
		}
		if end+1 < len(listen) {
			if listen[end+1] != ':' || end+2 >= len(listen) {
				return nil, fmt.Errorf("invalid port in listen directive: %q", listen)
			}
			port = listen[end+2:]
		}
		if err := validatePort(port); err != nil {
			return nil, err
		}
		return []ServerKey{{Port: port, Host: host}}, nil
	}

	if i := strings.IndexByte(listen, ':'); i >= 0 {
		host = listen[:i]
		port = listen[i+1:]
	} else if isDigits(listen) {
		if err := validatePort(listen); err != nil {
			return nil, err
		}
		return []ServerKey{{Port: listen, Host: DefaultHost}}, nil
	} else {
		host = listen
	}
	if err := validatePort(port); err != nil {
		return nil, err
	}
	if host == "" || host == "*" {
		return []ServerKey{{Port: port, Host: DefaultHost}}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []ServerKey{{Port: port, Host: host}}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	keys := make([]ServerKey, 0, len(ips))
	for _, ip := range ips {
		keys = append(keys, ServerKey{Port: port, Host: ip.String()})
	}
	return keys, nil
}

func validatePort(port string) error {
	if !isDigits(port) {
		return fmt.Errorf("invalid port number in listen directive: %q", port)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port number out of range (1-65535): %q", port)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// registerServer indexes the server under every (endpoint, name) pair. The
// first server registered for a key keeps it, so configuration order decides
// the default server for an endpoint.
func registerServer(g *Global, srv *Server, listens []ServerKey) {
	for _, ep := range listens {
		def := ServerKey{Port: ep.Port, Host: ep.Host, ServerName: DefaultServerName}
		if _, ok := g.Servers[def]; !ok {
			g.Servers[def] = srv
		}
		for _, name := range srv.ServerNames {
			key := ServerKey{Port: ep.Port, Host: ep.Host, ServerName: name}
			if _, ok := g.Servers[key]; !ok {
				g.Servers[key] = srv
			}
		}
	}
}

// defaultRoot is the working directory's www subdirectory, matching the
// conventional layout shipped alongside the default configuration.
func defaultRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/var/www/html"
	}
	return wd + "/www"
}
