package resolver

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/metadata"
)

// Larger .torrent files are truncated and fail to decode.
const maxMetainfoFileSize = 32 << 20

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// Fetches a .torrent file from an exact source. Its info dict must hash to ih.
func (r *Resolver) fromExactSource(ctx context.Context, u string, ih metainfo.Hash) (*metadata.TorrentMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected response status %q", resp.Status)
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxMetainfoFileSize))
	if err != nil {
		return nil, errors.Wrap(err, "decoding metainfo")
	}
	return metadata.FromMetaInfo(mi, &ih)
}
