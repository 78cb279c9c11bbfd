package server

import (
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/djoerd/snipdex/snipdex"
)

// Rendering bounds for the HTML results page.
const (
	resultsPerPage   = 10
	maxPages         = 10
	maxImageHeight   = 90
	maxSummaryLength = 270
	maxNamesLength   = 24
)

type resultsView struct {
	Trademark  string
	Motto      string
	Logo       string
	Button     string
	QueryText  string
	StatusLine string
	Promos     []promoView
	Snippets   []snippetView
	TodoPromos []promoView
	Nav        []navView
}

type promoView struct {
	Title       string
	Location    string
	Icon        string
	Description string
	Action      string
	Button      string
}

type previewView struct {
	URL    string
	Height int
}

type iconView struct {
	URL  string
	Name string
}

type snippetView struct {
	Title        string
	Location     string
	Display      string
	Summary      string
	Preview      *previewView
	Icons        []iconView
	Attributes   []snipdex.Attribute
	DirectLinks  []snipdex.LinkPair
	ServiceLinks []snipdex.LinkPair
}

type navView struct {
	Label   string
	Href    string
	Current bool
}

var resultsPage = template.Must(template.New("results").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>{{.QueryText}} - {{.Trademark}}</title>
<link rel="search" type="application/opensearchdescription+xml" href="/snipdex/snipdex.osdx" title="{{.Trademark}}" />
</head>
<body>
<div class="header">
<a href="/snipdex/"><img src="/snipdex/{{.Logo}}" alt="{{.Trademark}}" height="40" /></a>
<form action="/snipdex/" name="snipdex">
<input name="q" type="text" size="50" value="{{.QueryText}}" />
<input type="submit" value="{{.Button}}" />
</form>
<p class="motto">{{.Motto}}</p>
</div>
<p class="status">{{.StatusLine}}</p>
{{range .Promos}}{{template "promo" .}}{{end}}
{{range .Snippets}}<div class="largeresult">
{{if .Preview}}<div class="largeimage"><a class="img" href="{{.Location}}"><img src="{{.Preview.URL}}" alt="" height="{{.Preview.Height}}" /></a></div>
{{end}}<a class="title" href="{{.Location}}">{{.Title}}</a>
<span class="attributes">{{range .Icons}}<img width="16" height="16" src="{{.URL}}" alt="{{.Name}}" title="{{.Name}}" />{{end}}</span><br />
<div>
{{if .Attributes}}<span class="attributes">{{range $i, $a := .Attributes}}{{if $i}} | {{end}}{{$a.Key}}: {{$a.Value}}{{end}}</span><br />
{{end}}{{if .Summary}}<span class="summary">{{.Summary}}</span>
{{end}}{{if .DirectLinks}}<span class="direct_links">{{range $i, $l := .DirectLinks}}{{if $i}} | {{end}}<a href="{{$l.URL}}" class="direct_link">{{$l.Description}}</a>{{end}}</span><br />
{{end}}</div>
<div><span class="location" style="float: left;">{{.Display}}</span></div>
{{if .ServiceLinks}}<span class="service_links">{{range $i, $l := .ServiceLinks}}{{if $i}} | {{end}}<a href="{{$l.URL}}" class="service_link">{{$l.Description}}</a>{{end}}</span><br />
{{end}}</div>
{{end}}{{range .TodoPromos}}{{template "promo" .}}{{end}}
<div class="largeresult"><p class="status">{{range .Nav}}<a href="{{.Href}}">{{if .Current}}<strong>{{.Label}}</strong>{{else}}{{.Label}}{{end}}</a> {{end}}</p></div>
</body>
</html>
{{define "promo"}}<div class="largeresult">
<a class="title" href="{{.Location}}">{{.Title}}</a>
<span class="attributes">{{if .Icon}}<img width="16" height="16" src="{{.Icon}}" alt="{{.Title}}" title="{{.Title}}" />{{end}}</span><br />
<div>
{{if .Description}}<span class="summary">{{.Description}}</span>
{{end}}<form action="{{.Action}}" name="{{.Title}}">
<input name="q" type="text" size="50" />
<input type="submit" value="{{.Button}}" />
</form>
</div>
<div><span class="location" style="float: left;">{{.Location}}</span></div>
</div>
{{end}}`))

// renderResults writes the HTML results page for a finished search.
func (h *Handler) renderResults(w http.ResponseWriter, query snipdex.Query, peers *snipdex.PeerList, snippets *snipdex.SnippetList) {
	branding := h.engine.Branding()
	view := buildResultsView(query, peers, snippets, branding.Trademark, branding.Motto, logoURL(branding.Logo), branding.Button)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := resultsPage.Execute(w, view); err != nil {
		h.logger.Error("rendering results failed", "error", err)
	}
}

func logoURL(logo *snipdex.Preview) string {
	if logo == nil {
		return "snipdex_logo.png"
	}
	return logo.URL
}

// peerInfo is what the renderer needs to know about an origin.
type peerInfo struct {
	name        string
	icon        string
	description string
	template    string // html template url, "" when the peer has none
}

func peersByID(peers *snipdex.PeerList) map[string]peerInfo {
	infos := make(map[string]peerInfo)
	if peers == nil {
		return infos
	}
	for _, e := range peers.Entries {
		p := e.Peer
		info := peerInfo{name: p.Name, icon: p.Icon, description: p.Description}
		if p.HTMLTemplate != nil {
			info.template = p.HTMLTemplate.URL
		}
		infos[p.PID] = info
	}
	return infos
}

func buildResultsView(query snipdex.Query, peers *snipdex.PeerList, snippets *snipdex.SnippetList, trademark, motto, logo, button string) *resultsView {
	infos := peersByID(peers)

	total := 0
	if snippets != nil {
		total = snippets.Len()
	}
	maxPage := 1 + (total-1)/resultsPerPage
	if maxPage > maxPages {
		maxPage = maxPages
	}
	if maxPage < 1 {
		maxPage = 1
	}
	page, err := strconv.Atoi(query.Get("p"))
	if err != nil || page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}

	view := &resultsView{
		Trademark:  trademark,
		Motto:      motto,
		Logo:       logo,
		Button:     button,
		QueryText:  query.Text(),
		StatusLine: statusLine(page, infos, snippets),
	}

	normalized, _ := url.QueryUnescape(query.Fingerprint())
	if peers != nil {
		for _, e := range peers.Entries {
			p := e.Peer
			if p.Name == "" || p.HTMLTemplate == nil {
				continue
			}
			switch {
			case page == 1 && e.Status != snipdex.StatusTodo && containsHint(p.QueryHints, normalized):
				view.Promos = append(view.Promos, promoPeer(p, button))
			case page == maxPage && e.Status == snipdex.StatusTodo:
				view.TodoPromos = append(view.TodoPromos, promoPeer(p, button))
			}
		}
	}

	first := (page - 1) * resultsPerPage
	for i := first; i < total && i < first+resultsPerPage; i++ {
		view.Snippets = append(view.Snippets, snippetForView(snippets.At(i), infos))
	}

	view.Nav = navigation(query, page, maxPage)
	return view
}

func containsHint(hints []string, text string) bool {
	for _, hint := range hints {
		if hint == text {
			return true
		}
	}
	return false
}

// statusLine summarizes which origins contributed to this result page,
// naming sources until the name budget runs out and counting the rest.
func statusLine(page int, infos map[string]peerInfo, snippets *snipdex.SnippetList) string {
	var names strings.Builder
	anonymous := 0
	seen := make(map[string]struct{})
	if snippets != nil {
		for _, s := range snippets.Snippets() {
			for _, o := range s.Origins {
				if _, dup := seen[o.PID]; dup {
					continue
				}
				seen[o.PID] = struct{}{}
				name := infos[o.PID].name
				if name != "" && names.Len() < maxNamesLength {
					if names.Len() > 0 {
						names.WriteString(", ")
					}
					names.WriteString(name)
				} else {
					anonymous++
				}
			}
		}
	}
	source := "anonymous peer"
	if names.Len() >= maxNamesLength {
		source = "other source"
	}
	line := strconv.Itoa(page) + ". Results from "
	if names.Len() > 0 {
		line += names.String()
		if anonymous > 0 {
			line += ", and "
		}
	}
	if anonymous > 0 {
		line += strconv.Itoa(anonymous) + " " + source
		if anonymous > 1 {
			line += "s"
		}
	}
	return line + "."
}

func promoPeer(p *snipdex.Peer, button string) promoView {
	templateURL := p.HTMLTemplate.URL
	icon := p.Icon
	if icon == "" {
		icon = "/favicon.ico"
	}
	return promoView{
		Title:       p.Name,
		Location:    resolveLocation(templateURL, "", p.Name),
		Icon:        resolveLocation(templateURL, icon, ""),
		Description: boundPlain(p.Description, maxSummaryLength+32),
		Action:      formAction(templateURL),
		Button:      button,
	}
}

func snippetForView(s *snipdex.Snippet, infos map[string]peerInfo) snippetView {
	var templateURL string
	for _, o := range s.Origins {
		if t := infos[o.PID].template; t != "" {
			templateURL = t
			break
		}
	}
	location := resolveLocation(templateURL, s.Location, s.Title)

	view := snippetView{
		Title:        s.Title,
		Location:     location,
		Display:      boundPlain(location, 80),
		Attributes:   s.Attributes,
		DirectLinks:  s.DirectLinks,
		ServiceLinks: s.ServiceLinks,
	}
	if view.Title == "" && s.Preview == nil {
		view.Title = location
	}

	if s.Preview != nil {
		height := maxImageHeight
		if n, err := strconv.Atoi(s.Preview.Height); err == nil && n < height {
			height = n
		}
		view.Preview = &previewView{
			URL:    resolveLocation(templateURL, s.Preview.URL, ""),
			Height: height,
		}
	}

	for _, o := range s.Origins {
		info := infos[o.PID]
		icon := info.icon
		if icon == "" {
			icon = "/favicon.ico"
		}
		if resolved := resolveLocation(info.template, icon, ""); resolved != "" {
			view.Icons = append(view.Icons, iconView{URL: resolved, Name: info.name})
		}
	}

	// A long title wraps to two lines and eats a line of summary.
	limit := maxSummaryLength
	if len(s.Title) > 52 {
		limit -= 70
	}
	view.Summary = boundPlain(s.Summary, limit)
	return view
}

const navTemplate = "?q={q}&h={h?}&p={p?}&l={l?}"

func navigation(query snipdex.Query, page, maxPage int) []navView {
	pageLink := func(p int) string {
		linked := query.Clone()
		linked.Set("p", strconv.Itoa(p))
		href, err := linked.FillTemplate(navTemplate)
		if err != nil {
			return "?"
		}
		return href
	}
	var nav []navView
	if page > 1 {
		nav = append(nav, navView{Label: "< prev", Href: pageLink(page - 1)})
	}
	for p := 1; p <= maxPage; p++ {
		nav = append(nav, navView{Label: strconv.Itoa(p), Href: pageLink(p), Current: p == page})
	}
	if page < maxPage {
		nav = append(nav, navView{Label: "next >", Href: pageLink(page + 1)})
	}
	return nav
}

// resolveLocation makes a snippet location absolute. A relative
// location is resolved against the origin's html template; a missing
// location turns the title into a search on the origin itself.
func resolveLocation(templateURL, link, title string) string {
	if link == "" {
		if templateURL != "" {
			filled, err := snipdex.Query{"q": title}.FillTemplate(templateURL)
			if err != nil {
				return ""
			}
			return filled
		}
		return "?q=" + url.QueryEscape(title)
	}
	if strings.Contains(link, "://") {
		return link
	}
	if templateURL == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(templateURL, "://")
	if !ok {
		return ""
	}
	switch {
	case strings.HasPrefix(link, "/"):
		website, _, _ := strings.Cut(rest, "/")
		return scheme + "://" + website + link
	case strings.HasPrefix(link, "?"):
		if i := strings.LastIndex(rest, "?"); i >= 0 {
			rest = rest[:i]
		}
		return scheme + "://" + rest + link
	default:
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		return scheme + "://" + rest + "/" + link
	}
}

// boundPlain bounds already-clean text to limit runes, marking a cut
// with a trailing " ...".
func boundPlain(s string, limit int) string {
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit-4]) + " ..."
	}
	return s
}
