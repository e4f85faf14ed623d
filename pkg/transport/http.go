// Package transport fetches tiles and tileset metadata over HTTP from a
// HiGlass-compatible tile server.
//
// A source is the server's API base, e.g. "http://localhost:8989/api/v1".
// Tiles are requested as GET {source}/tiles/?d=id&d=id&s=session and
// metadata as GET {source}/tileset_info/?d=uid&s=session. Responses may be
// zstd or gzip encoded.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/soma-tiles/pyramid/internal/cache"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/fetch"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

const tracerName = "github.com/soma-tiles/pyramid/pkg/transport"

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures an HTTP transport.
type Options struct {
	// Client defaults to an *http.Client with Timeout.
	Client  Doer
	Timeout time.Duration
	// Cache is optional. Raw payloads and metadata found there skip the
	// network.
	Cache *cache.Manager
	// SessionID is sent with tileset info requests; tile requests carry
	// the scheduler's session.
	SessionID uuid.UUID
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

// HTTP implements fetch.Transport. It is safe for concurrent use.
type HTTP struct {
	client  Doer
	cache   *cache.Manager
	session uuid.UUID
	log     logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	zstd    *zstd.Decoder
}

var (
	_ fetch.Transport   = (*HTTP)(nil)
	_ fetch.Invalidator = (*HTTP)(nil)
)

// New creates an HTTP transport.
func New(opts Options) (*HTTP, error) {
	if opts.Client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		opts.Client = &http.Client{Timeout: timeout}
	}
	zd, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &HTTP{
		client:  opts.Client,
		cache:   opts.Cache,
		session: opts.SessionID,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
		zstd:    zd,
	}, nil
}

// Close releases the response decoder.
func (h *HTTP) Close() {
	h.zstd.Close()
}

type infoEntry struct {
	tile.Metadata
	Error string `json:"error"`
}

// FetchTilesetInfo implements fetch.Transport.
func (h *HTTP) FetchTilesetInfo(ctx context.Context, source fetch.SourceID, uid string) (tile.Metadata, error) {
	key := cache.InfoKey(string(source), uid)
	if h.cache != nil {
		if md, ok := h.cache.GetInfo(key); ok {
			return md, nil
		}
	}

	q := url.Values{"d": {uid}}
	if h.session != uuid.Nil {
		q.Set("s", h.session.String())
	}

	ctx, span := h.tracer.Start(ctx, "tileset_info",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tiles.source", string(source)),
			attribute.String("tiles.tileset", uid),
		),
	)
	defer span.End()

	body, err := h.get(ctx, endpoint(source, "tileset_info", q))
	if err != nil {
		return tile.Metadata{}, h.fail(span, err, "tileset info %s", uid)
	}

	var resp map[string]infoEntry
	if err := json.Unmarshal(body, &resp); err != nil {
		return tile.Metadata{}, h.fail(span, err, "decode tileset info %s", uid)
	}
	entry, ok := resp[uid]
	switch {
	case !ok:
		return tile.Metadata{}, h.fail(span, fmt.Errorf("tileset %q not in response", uid), "tileset info")
	case entry.Error != "":
		return tile.Metadata{}, h.fail(span, fmt.Errorf("%s", entry.Error), "tileset info %s", uid)
	}

	md := entry.Metadata.Normalize()
	if err := md.Validate(); err != nil {
		return tile.Metadata{}, h.fail(span, err, "tileset info %s", uid)
	}
	if h.cache != nil {
		h.cache.SetInfo(key, md)
	}
	span.SetStatus(codes.Ok, "")
	return md, nil
}

// FetchTiles implements fetch.Transport. Ids the server leaves out of its
// response are absent from the result.
func (h *HTTP) FetchTiles(ctx context.Context, source fetch.SourceID, session uuid.UUID, ids []tile.RemoteID) (map[tile.RemoteID][]byte, error) {
	out := make(map[tile.RemoteID][]byte, len(ids))
	missing := make([]tile.RemoteID, 0, len(ids))
	for _, id := range ids {
		if h.cache != nil {
			if b, ok := h.cache.GetTile(cache.TileKey(string(source), id)); ok {
				out[id] = b
				continue
			}
		}
		missing = append(missing, id)
	}
	h.metrics.RawLookup(len(ids)-len(missing), len(missing))
	if len(missing) == 0 {
		return out, nil
	}

	ctx, span := h.tracer.Start(ctx, "tiles",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tiles.source", string(source)),
			attribute.String("tiles.session", session.String()),
			attribute.Int("tiles.requested", len(missing)),
			attribute.Int("tiles.cached", len(out)),
		),
	)
	defer span.End()

	q := url.Values{}
	for _, id := range missing {
		q.Add("d", string(id))
	}
	if session != uuid.Nil {
		q.Set("s", session.String())
	}

	body, err := h.get(ctx, endpoint(source, "tiles", q))
	if err != nil {
		return nil, h.fail(span, err, "fetch %d tiles", len(missing))
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, h.fail(span, err, "decode tiles response")
	}

	received := 0
	for _, id := range missing {
		raw, ok := resp[string(id)]
		if !ok {
			continue
		}
		payload := []byte(raw)
		out[id] = payload
		received++
		if h.cache == nil {
			continue
		}
		if !cacheable(payload) {
			h.log.Debug("tile not cached", "id", id, "reason", "error entry")
			continue
		}
		if err := h.cache.SetTile(cache.TileKey(string(source), id), payload); err != nil {
			h.log.Warn("tile not cached", "id", id, "bytes", len(payload), "error", err)
		}
	}

	span.SetAttributes(attribute.Int("tiles.received", received))
	span.SetStatus(codes.Ok, "")
	if received < len(missing) {
		h.log.Debug("tiles missing from response", "source", source, "requested", len(missing), "received", received)
	}
	return out, nil
}

// Invalidate implements fetch.Invalidator: it drops a cached payload the
// engine could not decode, so the next fetch goes to the server.
func (h *HTTP) Invalidate(source fetch.SourceID, id tile.RemoteID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.DeleteTile(cache.TileKey(string(source), id)); err != nil {
		h.log.Warn("failed to drop cached tile", "id", id, "error", err)
	}
}

// cacheable reports whether a tile entry is a JSON object without an
// "error" field. Error entries are transient and must be refetched.
func cacheable(payload []byte) bool {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return false
	}
	if payload[0] != '{' {
		return true
	}
	var entry struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(payload, &entry); err != nil {
		return false
	}
	return entry.Error == nil
}

func endpoint(source fetch.SourceID, path string, q url.Values) string {
	return strings.TrimRight(string(source), "/") + "/" + path + "/?" + q.Encode()
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := h.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (h *HTTP) readBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "zstd":
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return h.zstd.DecodeAll(raw, nil)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTP) fail(span trace.Span, err error, format string, args ...any) error {
	ferr := faults.Wrap(faults.Transport, err, format, args...)
	span.RecordError(ferr)
	span.SetStatus(codes.Error, ferr.Error())
	return ferr
}
