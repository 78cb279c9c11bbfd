package server

import (
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/djoerd/snipdex/config"
	"github.com/djoerd/snipdex/fanout"
	"github.com/djoerd/snipdex/snipdex"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	cfg     *config.Config
	engine  *fanout.Engine
	logger  *slog.Logger
	overlay map[string]overlayEntry
}

// overlayEntry maps a virtual path on the node to a file on disk.
type overlayEntry struct {
	mimetype string
	path     string
}

// NewHandler creates a new Handler.
func NewHandler(cfg *config.Config, engine *fanout.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		overlay: initOverlay(cfg.Web.Root),
	}
}

// initOverlay builds the virtual web directory: the mapping from paths
// under /snipdex/ to the actual files, which may be arranged
// differently on disk.
func initOverlay(webroot string) map[string]overlayEntry {
	return map[string]overlayEntry{
		"/snipdex/":                       {"text/html", webroot + "/index.html"},
		"/snipdex/index.html":             {"text/html", webroot + "/index.html"},
		"/snipdex/about.html":             {"text/html", webroot + "/about.html"},
		"/snipdex/snipdex.osdx":           {"application/opensearchdescription+xml", webroot + "/snipdex.osdx"},
		"/snipdex/geolocation.js":         {"text/javascript", webroot + "/geolocation.js"},
		"/snipdex/snipdex_logo.png":       {"image/png", webroot + "/snipdex_logo.png"},
		"/snipdex/snipdex_logo_small.png": {"image/png", webroot + "/snipdex_logo_small.png"},
		"/favicon.ico":                    {"image/vnd.microsoft.icon", webroot + "/favicon.ico"},
		"/snipdex/favicon.ico":            {"image/vnd.microsoft.icon", webroot + "/favicon.ico"},
	}
}

// queryFromRequest turns the request parameters into a query, tagged
// with the client's address so downstream code can tell local users
// from network peers.
func queryFromRequest(r *http.Request) snipdex.Query {
	query := snipdex.Query{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query.Set(key, values[0])
		}
	}
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		host = "127.0.0.1"
	}
	query.Set("public_ip", host)
	query.Set("public_port", port)
	return query
}

// HandleSearch answers /snipdex/ requests: a search when a query is
// present, the index page otherwise. The reserved greeting query is
// routed to the peer listing instead of a search.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := queryFromRequest(r)
	fingerprint := query.Fingerprint()

	if fingerprint == "" {
		h.serveOverlay(w, "/snipdex/")
		return
	}

	wantXML := query.Get("f") == "xml"
	if !wantXML && h.cfg.Web.Mode == config.WebPrivate && !isLoopback(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var (
		peers    *snipdex.PeerList
		snippets *snipdex.SnippetList
		err      error
	)
	if fingerprint == snipdex.QueryPong {
		peers, snippets = h.engine.GetAllPeers(query)
	} else {
		peers, snippets, err = h.engine.Search(r.Context(), query)
		if err != nil {
			h.logger.Error("search failed", "q", query.Get("q"), "error", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
	}

	if wantXML {
		w.Header().Set("Content-Type", snipdex.MediaTypeNative+"; charset=utf-8")
		if err := snipdex.Render(w, query, peers, snippets); err != nil {
			h.logger.Error("writing response failed", "error", err)
		}
		return
	}
	h.renderResults(w, query, peers, snippets)
}

// HandleFile serves a file from the virtual web directory. Text files
// pass through branding substitution, so a node rebranded by its
// mother serves its network's look.
func (h *Handler) HandleFile(w http.ResponseWriter, r *http.Request) {
	h.serveOverlay(w, r.URL.Path)
}

func (h *Handler) serveOverlay(w http.ResponseWriter, path string) {
	entry, ok := h.overlay[path]
	if !ok {
		http.Error(w, "Snipdex Not Found: "+path, http.StatusNotFound)
		return
	}
	contents, err := os.ReadFile(entry.path)
	if err != nil {
		h.logger.Warn("missing web file", "path", entry.path, "error", err)
		http.Error(w, "Snipdex Not Found: "+path, http.StatusNotFound)
		return
	}
	if strings.HasPrefix(entry.mimetype, "text/") || strings.HasSuffix(entry.mimetype, "+xml") {
		contents = []byte(h.substituteBranding(string(contents)))
	}
	w.Header().Set("Content-Type", entry.mimetype)
	w.Write(contents)
}

// substituteBranding expands the $-placeholders used by the files in
// the web directory.
func (h *Handler) substituteBranding(contents string) string {
	branding := h.engine.Branding()
	logo, width, height := "snipdex_logo.png", "485", "180"
	if branding.Logo != nil {
		logo, width, height = branding.Logo.URL, branding.Logo.Width, branding.Logo.Height
	}
	return strings.NewReplacer(
		"$trademark", branding.Trademark,
		"$motto", branding.Motto,
		"$logo_width", width,
		"$logo_height", height,
		"$logo", logo,
		"$button", branding.Button,
		"$port", strconv.Itoa(h.engine.LocalPort()),
	).Replace(contents)
}

// HandleNotImplemented rejects protocol operations the node does not
// speak yet.
func (h *Handler) HandleNotImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Implemented", http.StatusNotImplemented)
}
