package stakingd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"stakepool/crypto"
)

const (
	headerIdempotency      = "Idempotency-Key"
	headerIdempotencyCache = "X-Idempotency-Cache"

	maxIdempotencyKey = 128
)

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord is a cached response for one Idempotency-Key.
type IdempotencyRecord struct {
	StatusCode    int       `json:"statusCode"`
	Body          []byte    `json:"body"`
	RequestDigest string    `json:"requestDigest"`
	StoredAt      time.Time `json:"storedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IdempotencyStore keeps responses to retried deposit and funding calls in a
// BoltDB file so a retry after a timeout does not move tokens twice.
type IdempotencyStore struct {
	db *bolt.DB
}

// OpenIdempotencyStore opens (and creates) the store at path.
func OpenIdempotencyStore(path string, options *bolt.Options) (*IdempotencyStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db}, nil
}

// Close releases the underlying database.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cached response for key when it has not expired. Expired
// records are removed.
func (s *IdempotencyStore) Get(key string, now time.Time) (IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = IdempotencyRecord{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return record, found, nil
}

// Put stores the response envelope for key.
func (s *IdempotencyStore) Put(key string, record IdempotencyRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

// Prune deletes every record that expired before now and reports how many
// were removed.
func (s *IdempotencyStore) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func idempotencyKey(caller crypto.Address, method, path, idem string) string {
	return fmt.Sprintf("%s|%s|%s|%s", caller.String(), method, path, idem)
}

func requestDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// inflightKeys rejects a second request carrying a key whose first request
// has not answered yet.
type inflightKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (f *inflightKeys) acquire(key string) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]struct{})
	}
	if _, busy := f.keys[key]; busy {
		return nil, false
	}
	f.keys[key] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.keys, key)
		f.mu.Unlock()
	}, true
}

// idemScope carries one request's Idempotency-Key through its handler. The
// zero scope, used when the header is absent or the store disabled, writes
// responses without caching them.
type idemScope struct {
	server  *Server
	key     string
	digest  string
	release func()
}

// beginIdempotent replays a cached response or reserves the key for this
// request. It reports false when the response has already been written.
func (s *Server) beginIdempotent(w http.ResponseWriter, r *http.Request, caller crypto.Address, body []byte) (*idemScope, bool) {
	idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if idem == "" || s.idem == nil {
		return &idemScope{}, true
	}
	if len(idem) > maxIdempotencyKey {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("%s exceeds %d characters", headerIdempotency, maxIdempotencyKey))
		return nil, false
	}
	scope := &idemScope{
		server: s,
		key:    idempotencyKey(caller, r.Method, r.URL.Path, idem),
		digest: requestDigest(body),
	}
	release, ok := s.inflight.acquire(scope.key)
	if !ok {
		writeJSONError(w, http.StatusConflict, fmt.Errorf("a request with this %s is still in progress", headerIdempotency))
		return nil, false
	}
	scope.release = release

	record, found, err := s.idem.Get(scope.key, s.now())
	if err != nil {
		s.logger.Warn("idempotency lookup failed", slog.String("route", r.URL.Path), slog.Any("error", err))
		return scope, true
	}
	if !found {
		return scope, true
	}
	scope.done()
	if record.RequestDigest != scope.digest {
		writeJSONError(w, http.StatusUnprocessableEntity, fmt.Errorf("%s was already used with a different request body", headerIdempotency))
		return nil, false
	}
	writeCachedResponse(w, record)
	return nil, false
}

func (c *idemScope) done() {
	if c != nil && c.release != nil {
		c.release()
		c.release = nil
	}
}

// respond writes payload and, for successful responses, caches it under the
// scope's key.
func (c *idemScope) respond(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	if c != nil && c.server != nil && c.key != "" && status < http.StatusMultipleChoices {
		now := c.server.now()
		if err := c.server.idem.Put(c.key, IdempotencyRecord{
			StatusCode:    status,
			Body:          body,
			RequestDigest: c.digest,
			StoredAt:      now,
			ExpiresAt:     now.Add(c.server.idemTTL),
		}); err != nil {
			c.server.logger.Warn("idempotency store failed", slog.Any("error", err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeCachedResponse(w http.ResponseWriter, record IdempotencyRecord) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerIdempotencyCache, "hit")
	w.WriteHeader(record.StatusCode)
	_, _ = w.Write(record.Body)
}
