package snipdex

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

// Response is a parsed <snipdex_response>.
type Response struct {
	Version      string
	Query        Query
	Peers        *PeerList
	Snippets     *SnippetList
	TotalResults string
}

type xmlResponse struct {
	XMLName  xml.Name     `xml:"snipdex_response"`
	Version  string       `xml:"version,attr"`
	Query    xmlQuery     `xml:"query"`
	Peers    []xmlPeer    `xml:"peers>peer"`
	Snippets []xmlSnippet `xml:"snippets>snippet"`
	Total    string       `xml:"snippets>total,omitempty"`
}

// xmlQuery carries the dynamic attribute map of the <query> element.
type xmlQuery struct {
	params Query
}

func (x xmlQuery) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "query"}
	start.Attr = start.Attr[:0]
	for _, k := range x.params.Keys() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: x.params[k]})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func (x *xmlQuery) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	x.params = Query{}
	for _, attr := range start.Attr {
		if attr.Value != "" {
			x.params[attr.Name.Local] = attr.Value
		}
	}
	return d.Skip()
}

type xmlTemplate struct {
	Type           string `xml:"type,attr,omitempty"`
	Method         string `xml:"method,attr,omitempty"`
	ItemPath       string `xml:"item_path,attr,omitempty"`
	TitlePath      string `xml:"title_path,attr,omitempty"`
	LinkPath       string `xml:"link_path,attr,omitempty"`
	SummaryPath    string `xml:"summary_path,attr,omitempty"`
	PreviewPath    string `xml:"preview_path,attr,omitempty"`
	AttributePaths string `xml:"attribute_paths,attr,omitempty"`
	ForceDecode    string `xml:"force_decode,attr,omitempty"`
	URL            string `xml:",chardata"`
}

type xmlPeer struct {
	PID             string       `xml:"pid,attr"`
	Status          string       `xml:"status,attr,omitempty"`
	Score           string       `xml:"score,attr,omitempty"`
	Name            string       `xml:"name,omitempty"`
	Description     string       `xml:"description,omitempty"`
	Icon            string       `xml:"icon,omitempty"`
	Language        string       `xml:"language,omitempty"`
	AdultContent    string       `xml:"adult_content,omitempty"`
	Hashtag         string       `xml:"hashtag,omitempty"`
	QueryHints      []string     `xml:"query_hint,omitempty"`
	Updated         string       `xml:"updated,omitempty"`
	OpenTemplate    *xmlTemplate `xml:"open_template"`
	HTMLTemplate    *xmlTemplate `xml:"html_template"`
	SuggestTemplate *xmlTemplate `xml:"suggest_template"`
	PublicAddress   string       `xml:"public_address,omitempty"`
	LocalAddress    string       `xml:"local_address,omitempty"`
}

type xmlOrigin struct {
	PID string `xml:"pid,attr"`
}

type xmlPreview struct {
	Type   string `xml:"type,attr,omitempty"`
	Width  string `xml:"width,attr,omitempty"`
	Height string `xml:"height,attr,omitempty"`
	URL    string `xml:",chardata"`
}

type xmlLink struct {
	Type        string `xml:"type,attr"`
	Description string `xml:"description,attr"`
	URL         string `xml:",chardata"`
}

type xmlLinks struct {
	Links []xmlLink `xml:"link"`
}

type xmlAttribute struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xmlAttributes struct {
	Attributes []xmlAttribute `xml:"attribute"`
}

type xmlSnippet struct {
	Origins         []xmlOrigin    `xml:"origin"`
	Location        string         `xml:"location,omitempty"`
	Title           string         `xml:"title,omitempty"`
	Found           string         `xml:"found,omitempty"`
	Summary         string         `xml:"summary,omitempty"`
	ExtendedSummary string         `xml:"extended_summary,omitempty"`
	Preview         *xmlPreview    `xml:"preview"`
	Links           *xmlLinks      `xml:"links"`
	Attributes      *xmlAttributes `xml:"attributes"`
}

func templateToWire(t *Template) *xmlTemplate {
	if t == nil {
		return nil
	}
	return &xmlTemplate{
		Type:           t.Type,
		Method:         t.Method,
		ItemPath:       t.ItemPath,
		TitlePath:      t.TitlePath,
		LinkPath:       t.LinkPath,
		SummaryPath:    t.SummaryPath,
		PreviewPath:    t.PreviewPath,
		AttributePaths: t.AttributePaths,
		ForceDecode:    t.ForceDecode,
		URL:            t.URL,
	}
}

func templateFromWire(t *xmlTemplate) *Template {
	if t == nil || t.URL == "" {
		return nil
	}
	return &Template{
		URL:            t.URL,
		Type:           t.Type,
		Method:         t.Method,
		ItemPath:       t.ItemPath,
		TitlePath:      t.TitlePath,
		LinkPath:       t.LinkPath,
		SummaryPath:    t.SummaryPath,
		PreviewPath:    t.PreviewPath,
		AttributePaths: t.AttributePaths,
		ForceDecode:    t.ForceDecode,
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'g', -1, 64)
}

func parseScore(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func peerToWire(e PeerEntry) xmlPeer {
	p := e.Peer
	adult := ""
	if p.AdultContent {
		adult = "True"
	}
	return xmlPeer{
		PID:             p.PID,
		Status:          string(e.Status),
		Score:           formatScore(e.Score),
		Name:            p.Name,
		Description:     p.Description,
		Icon:            p.Icon,
		Language:        p.Language,
		AdultContent:    adult,
		Hashtag:         p.Hashtag,
		QueryHints:      p.QueryHints,
		Updated:         p.Updated,
		OpenTemplate:    templateToWire(p.OpenTemplate),
		HTMLTemplate:    templateToWire(p.HTMLTemplate),
		SuggestTemplate: templateToWire(p.SuggestTemplate),
		PublicAddress:   p.PublicAddress,
		LocalAddress:    p.LocalAddress,
	}
}

func peerFromWire(x xmlPeer) PeerEntry {
	p := &Peer{
		PID:             x.PID,
		Name:            x.Name,
		Description:     x.Description,
		Icon:            x.Icon,
		Language:        x.Language,
		AdultContent:    x.AdultContent == "True",
		Hashtag:         x.Hashtag,
		QueryHints:      x.QueryHints,
		Updated:         x.Updated,
		OpenTemplate:    templateFromWire(x.OpenTemplate),
		HTMLTemplate:    templateFromWire(x.HTMLTemplate),
		SuggestTemplate: templateFromWire(x.SuggestTemplate),
		PublicAddress:   x.PublicAddress,
		LocalAddress:    x.LocalAddress,
	}
	p.DerivePID()
	status := Status(x.Status)
	if status == "" {
		status = StatusTodo
	}
	return PeerEntry{Peer: p, Status: status, Score: parseScore(x.Score)}
}

func snippetToWire(s *Snippet) xmlSnippet {
	x := xmlSnippet{
		Location:        s.Location,
		Title:           s.Title,
		Found:           s.Found,
		Summary:         s.Summary,
		ExtendedSummary: s.ExtendedSummary,
	}
	for _, o := range s.Origins {
		x.Origins = append(x.Origins, xmlOrigin{PID: o.PID})
	}
	if s.Preview != nil {
		x.Preview = &xmlPreview{
			Type:   s.Preview.Type,
			Width:  s.Preview.Width,
			Height: s.Preview.Height,
			URL:    s.Preview.URL,
		}
	}
	if len(s.DirectLinks) > 0 || len(s.ServiceLinks) > 0 {
		links := &xmlLinks{}
		for _, dl := range s.DirectLinks {
			links.Links = append(links.Links, xmlLink{Type: "direct", Description: dl.Description, URL: dl.URL})
		}
		for _, sl := range s.ServiceLinks {
			links.Links = append(links.Links, xmlLink{Type: "service", Description: sl.Description, URL: sl.URL})
		}
		x.Links = links
	}
	if len(s.Attributes) > 0 {
		attrs := &xmlAttributes{}
		for _, a := range s.Attributes {
			attrs.Attributes = append(attrs.Attributes, xmlAttribute{Key: a.Key, Value: a.Value})
		}
		x.Attributes = attrs
	}
	return x
}

func snippetFromWire(x xmlSnippet) *Snippet {
	s := &Snippet{
		Location:        x.Location,
		Title:           x.Title,
		Found:           x.Found,
		Summary:         x.Summary,
		ExtendedSummary: x.ExtendedSummary,
	}
	for _, o := range x.Origins {
		s.AddOrigin(o.PID, "", nil)
	}
	if x.Preview != nil && x.Preview.URL != "" {
		s.Preview = &Preview{
			Type:   x.Preview.Type,
			URL:    x.Preview.URL,
			Width:  x.Preview.Width,
			Height: x.Preview.Height,
		}
	}
	if x.Links != nil {
		for _, l := range x.Links.Links {
			if l.Type == "service" {
				s.AddServiceLink(l.Description, l.URL)
			} else {
				s.AddDirectLink(l.Description, l.URL)
			}
		}
	}
	if x.Attributes != nil {
		for _, a := range x.Attributes.Attributes {
			s.AddAttribute(a.Key, a.Value)
		}
	}
	return s
}

// Render writes the native XML response for a query and its merged
// peer and snippet lists, including the XML declaration.
func Render(w io.Writer, query Query, peers *PeerList, snippets *SnippetList) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("snipdex: write header: %w", err)
	}
	out := xmlResponse{
		Version: ResponseVersion,
		Query:   xmlQuery{params: query},
	}
	if peers != nil {
		for _, e := range peers.Entries {
			out.Peers = append(out.Peers, peerToWire(e))
		}
	}
	if snippets != nil {
		for _, s := range snippets.Snippets() {
			out.Snippets = append(out.Snippets, snippetToWire(s))
		}
		out.Total = strconv.Itoa(snippets.Len())
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("snipdex: encode response: %w", err)
	}
	return enc.Flush()
}

// Parse reads a native XML response from r.
func Parse(r io.Reader) (*Response, error) {
	var in xmlResponse
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("snipdex: parse response: %w", err)
	}
	resp := &Response{
		Version:      in.Version,
		Query:        in.Query.params,
		Peers:        &PeerList{},
		Snippets:     NewSnippetList(),
		TotalResults: in.Total,
	}
	if resp.Query == nil {
		resp.Query = Query{}
	}
	for _, xp := range in.Peers {
		e := peerFromWire(xp)
		resp.Peers.Append(e.Peer, e.Status, e.Score)
	}
	for _, xs := range in.Snippets {
		resp.Snippets.Append(snippetFromWire(xs))
	}
	return resp, nil
}
