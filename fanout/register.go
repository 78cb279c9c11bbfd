package fanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/djoerd/snipdex/scraper"
	"github.com/djoerd/snipdex/snipdex"
)

// ErrBootstrap means the node could not join the network: the mother
// was unreachable and no usable registration survives in the cache.
var ErrBootstrap = errors.New("fanout: cannot join network")

// discoveryAddress is the well-known endpoint used to learn our own
// local IP when the mother cannot tell us. A UDP connect routes the
// socket without sending anything.
const discoveryAddress = "www.snipdex.net:80"

// Branding is the UI identity of the node, overridden by the mother's
// registration response so a network can present its own face.
type Branding struct {
	Trademark string
	Motto     string
	Logo      *snipdex.Preview
	Button    string
}

func defaultBranding() Branding {
	return Branding{
		Trademark: "SnipDex",
		Motto:     `"Search the Web Together"`,
		Logo:      &snipdex.Preview{Type: "image/png", URL: "snipdex_logo.png", Width: "485", Height: "180"},
		Button:    "Search",
	}
}

// Branding returns the node's current UI identity.
func (e *Engine) Branding() Branding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.branding
}

// applyBranding overrides the UI defaults from the registration
// response's first snippet.
func (e *Engine) applyBranding(s *snipdex.Snippet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Title != "" {
		e.branding.Trademark = s.Title
	}
	if s.Preview != nil {
		logo := *s.Preview
		if logo.Width == "" || logo.Height == "" {
			logo.Width, logo.Height = "485", "180"
		}
		e.branding.Logo = &logo
	}
	if s.Summary != "" {
		e.branding.Motto = s.Summary
	}
	for _, a := range s.Attributes {
		if a.Key == "Button" {
			e.branding.Button = a.Value
		}
	}
}

// Register joins the network through the mother peer at motherHost:
// motherPort. When the mother address is this node itself the node
// runs stand-alone: no registration, address by discovery only.
//
// On a failed handshake the last cached registration is reused, so a
// node that has joined before can come up while the mother is down.
func (e *Engine) Register(ctx context.Context, motherHost string, motherPort int) error {
	motherAddress := net.JoinHostPort(motherHost, strconv.Itoa(motherPort))
	e.mu.Lock()
	e.motherAddress = motherAddress
	e.mu.Unlock()

	if (motherHost == "127.0.0.1" || motherHost == "localhost") && motherPort == e.localPort {
		e.logger.Warn("mother peer and peer are equal; running stand-alone")
		e.discoverAddress()
		return nil
	}

	motherPeer := &snipdex.Peer{PublicAddress: motherAddress}
	template, err := motherPeer.SearchTemplate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}
	query := snipdex.Query{"q": snipdex.QueryRegister}

	var (
		peers            *snipdex.PeerList
		snippets         *snipdex.SnippetList
		newMotherAddress string
		fromCache        bool
	)
	result, err := scraper.New(template, e.client, e.logger).Search(ctx, query)
	if err != nil {
		e.logger.Warn("connection to mother peer failed; using old settings", "error", err)
		peers, snippets, err = e.cache.Get(query)
		if err != nil || peers == nil || peers.Len() == 0 || snippets.Len() == 0 {
			return fmt.Errorf("%w: mother unreachable and no cached registration", ErrBootstrap)
		}
		fromCache = true
		e.discoverAddress()
		newMotherAddress = peers.Entries[0].Peer.PublicAddress
	} else {
		peers, snippets = result.Peers, result.Snippets
		publicIP := result.Query.Get("public_ip")
		if publicIP == "" {
			return fmt.Errorf("%w: public ip number cannot be determined", ErrBootstrap)
		}
		// The address we reached the mother on survives NAT rewrites.
		if peerIP := result.Query.Get("peer_ip"); peerIP != "" {
			newMotherAddress = net.JoinHostPort(peerIP, strconv.Itoa(motherPort))
		}
		e.storeIPs(publicIP, result.Query.Get("public_port"), result.Query.Get("local_ip"))

		e.logger.Info("registered at mother peer", "mother", motherAddress)
		if newMotherAddress != "" && newMotherAddress != motherAddress {
			e.logger.Debug("mother's public address", "address", newMotherAddress)
		}
		e.logger.Info("public address", "address", e.PublicAddress())
	}

	if peers == nil || peers.Len() == 0 {
		return fmt.Errorf("%w: no information for mother peer", ErrBootstrap)
	}
	first := peers.Entries[0]
	mother := first.Peer
	if first.Status != snipdex.StatusMe ||
		(mother.PublicAddress != motherAddress &&
			mother.PublicAddress != newMotherAddress &&
			mother.LocalAddress != newMotherAddress) {
		return fmt.Errorf("%w: no pid for mother peer", ErrBootstrap)
	}
	fallback := &snipdex.PeerList{}
	for _, entry := range peers.Entries[1:] {
		fallback.Append(entry.Peer, entry.Status, entry.Score)
	}

	if snippets == nil || snippets.Len() == 0 {
		return fmt.Errorf("%w: connection to p2p network failed", ErrBootstrap)
	}
	engineSnippet := snippets.At(0)
	e.applyBranding(engineSnippet)
	if !fromCache && (engineSnippet.Title != "" || peers.Len() > 1) {
		if err := e.cache.Put(query, peers, snippets); err != nil {
			e.logger.Error("caching registration failed", "error", err)
		}
	}

	e.mu.Lock()
	e.mother = mother
	e.fallback = fallback
	e.mu.Unlock()
	return nil
}

// discoverAddress learns the node's local IP by routing a UDP socket
// towards a well-known host, and assumes no NAT sits in between.
func (e *Engine) discoverAddress() {
	conn, err := net.Dial("udp", discoveryAddress)
	if err != nil {
		e.logger.Warn("address discovery failed", "error", err)
		return
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return
	}
	e.storeIPs(host, "", host)
}
