package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// EphemeralScheme marks locators that only resolve inside this process.
// A peer can never fetch them, so the envelope resolver inlines or
// refuses anything stored behind one.
const EphemeralScheme = "mem:"

var ErrNotFound = errors.New("media: no object at locator")

// Store is the upload-backend boundary. Put may return an ephemeral
// locator when no durable backend is configured; callers must treat
// that as a degraded mode, not an error.
type Store interface {
	Put(ctx context.Context, key, mime string, data []byte) (locator string, err error)
	Get(ctx context.Context, locator string) (mime string, data []byte, err error)
}

func Ephemeral(locator string) bool {
	return strings.HasPrefix(locator, EphemeralScheme)
}

// Fetchable reports whether a locator uses a scheme the resolver knows
// how to fetch.
func Fetchable(locator string) bool {
	return Ephemeral(locator) ||
		strings.HasPrefix(locator, "https://") ||
		strings.HasPrefix(locator, "http://")
}

type blob struct {
	mime string
	data []byte
}

// MemoryStore is the fallback used when no media server is configured.
type MemoryStore struct {
	blobs *xsync.MapOf[string, blob]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: xsync.NewMapOf[string, blob]()}
}

func (s *MemoryStore) Put(_ context.Context, key, mime string, data []byte) (string, error) {
	s.blobs.Store(key, blob{mime: mime, data: append([]byte(nil), data...)})
	return EphemeralScheme + key, nil
}

func (s *MemoryStore) Get(_ context.Context, locator string) (string, []byte, error) {
	key := strings.TrimPrefix(locator, EphemeralScheme)
	b, ok := s.blobs.Load(key)
	if !ok {
		return "", nil, ErrNotFound
	}
	return b.mime, b.data, nil
}

// HTTPStore talks to a plain blob server: PUT <base>/<key>, GET <locator>.
// Auth is a single optional bearer token; anything fancier belongs in
// the backend, not here.
type HTTPStore struct {
	Base   string
	Token  string
	Client *http.Client
}

func NewHTTPStore(base, token string) *HTTPStore {
	return &HTTPStore{
		Base:   strings.TrimSuffix(base, "/"),
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, key, mime string, data []byte) (string, error) {
	url := s.Base + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mime)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("media: upload to %s returned %s", url, resp.Status)
	}
	return url, nil
}

func (s *HTTPStore) Get(ctx context.Context, locator string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("media: fetch of %s returned %s", locator, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	return resp.Header.Get("Content-Type"), data, nil
}
