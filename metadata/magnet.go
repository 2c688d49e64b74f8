package metadata

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

var ErrInvalidMagnet = errors.New("invalid magnet")

// Magnet link components used to locate a torrent.
type Magnet struct {
	InfoHash    metainfo.Hash
	DisplayName string   // "dn"
	Trackers    []string // "tr"
	// "x.pe" peer addresses as host:port.
	PeerAddrs []string
	// "xs" and "as" URLs that serve the .torrent file.
	ExactSources []string
}

const btihPrefix = "urn:btih:"

func (m Magnet) String() string {
	vs := make(url.Values)
	for _, tr := range m.Trackers {
		vs.Add("tr", tr)
	}
	if m.DisplayName != "" {
		vs.Add("dn", m.DisplayName)
	}
	for _, pe := range m.PeerAddrs {
		vs.Add("x.pe", pe)
	}
	for _, xs := range m.ExactSources {
		vs.Add("xs", xs)
	}
	// Many clients expect "urn:btih:" unescaped and first.
	u := url.URL{
		Scheme:   "magnet",
		RawQuery: "xt=" + btihPrefix + m.InfoHash.HexString(),
	}
	if len(vs) != 0 {
		u.RawQuery += "&" + vs.Encode()
	}
	return u.String()
}

func invalidMagnet(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMagnet, fmt.Sprintf(format, args...))
}

// Parses a magnet URI. Every failure matches ErrInvalidMagnet.
func ParseMagnet(uri string) (m Magnet, err error) {
	if uri == "" {
		err = invalidMagnet("empty uri")
		return
	}
	u, err := url.Parse(uri)
	if err != nil {
		err = invalidMagnet("parsing uri: %v", err)
		return
	}
	if u.Scheme != "magnet" {
		err = invalidMagnet("unexpected scheme %q", u.Scheme)
		return
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		err = invalidMagnet("parsing query: %v", err)
		return
	}
	gotInfohash := false
	for _, xt := range q["xt"] {
		encoded, found := strings.CutPrefix(xt, btihPrefix)
		if !found || gotInfohash {
			continue
		}
		m.InfoHash, err = parseEncodedInfohash(encoded)
		if err != nil {
			err = invalidMagnet("parsing infohash %q: %v", xt, err)
			return
		}
		gotInfohash = true
	}
	if !gotInfohash {
		err = invalidMagnet("missing btih infohash")
		return
	}
	if m.InfoHash == (metainfo.Hash{}) {
		err = invalidMagnet("zero infohash")
		return
	}
	if dn := q["dn"]; len(dn) != 0 {
		m.DisplayName = dn[0]
	}
	for _, tr := range q["tr"] {
		if tr != "" {
			m.Trackers = append(m.Trackers, tr)
		}
	}
	for _, pe := range q["x.pe"] {
		if _, _, splitErr := net.SplitHostPort(pe); splitErr == nil {
			m.PeerAddrs = append(m.PeerAddrs, pe)
		}
	}
	for _, key := range []string{"xs", "as"} {
		for _, s := range q[key] {
			if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
				m.ExactSources = append(m.ExactSources, s)
			}
		}
	}
	return
}

func parseEncodedInfohash(encoded string) (ih metainfo.Hash, err error) {
	var n int
	switch len(encoded) {
	case 40:
		n, err = hex.Decode(ih[:], []byte(encoded))
	case 32:
		n, err = base32.StdEncoding.Decode(ih[:], []byte(strings.ToUpper(encoded)))
	default:
		err = fmt.Errorf("unhandled encoded length %d", len(encoded))
		return
	}
	if err == nil && n != len(ih) {
		err = fmt.Errorf("decoded %d bytes", n)
	}
	return
}
