// Package memstore persists remembered facts in five fixed tiers backed by
// SQLite. Content is encrypted at rest with AES-256-GCM; embeddings are
// stored as little-endian float32 blobs alongside the ciphertext.
package memstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/cryptoutil"
	"github.com/wardenlabs/warden/internal/inference"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/memstore")

var (
	// ErrItemNotFound is returned when an item id does not exist, or when
	// the item exists but its expiry has passed (lazy expiry).
	ErrItemNotFound = errors.New("memory item not found")
	// ErrInvalidTier is returned when an item names a tier outside the
	// five fixed tiers.
	ErrInvalidTier = errors.New("invalid memory tier")
	// ErrInvalidEncryptionKey is returned when the store key is not
	// exactly 32 bytes (required for AES-256).
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_items (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    locale TEXT NOT NULL DEFAULT '',
    content_ciphertext TEXT NOT NULL,
    nonce TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    embedding BLOB,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    key_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_memory_tenant_tier ON memory_items(tenant_id, tier);
CREATE INDEX IF NOT EXISTS idx_memory_locale ON memory_items(locale);
CREATE INDEX IF NOT EXISTS idx_memory_created_at ON memory_items(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_content_hash ON memory_items(tenant_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_memory_expires_at ON memory_items(expires_at);

CREATE TABLE IF NOT EXISTS memory_provenance (
    item_id TEXT NOT NULL,
    ref TEXT NOT NULL,
    PRIMARY KEY (item_id, ref)
);

CREATE INDEX IF NOT EXISTS idx_provenance_ref ON memory_provenance(ref);
`

// Item is a unit of remembered content.
type Item struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Tier           Tier       `json:"tier"`
	Locale         string     `json:"locale,omitempty"`
	Content        string     `json:"content"`
	ContentHash    string     `json:"content_hash"`
	Embedding      []float32  `json:"-"`
	ProvenanceRefs []string   `json:"provenance_refs,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	KeyVersion     int        `json:"key_version"`
}

// Expired reports whether the item's expiry has passed at the given instant.
func (it *Item) Expired(now time.Time) bool {
	return it.ExpiresAt != nil && !it.ExpiresAt.After(now)
}

// Store persists memory items in SQLite with tier-scoped retention.
type Store struct {
	db         *sql.DB
	gcm        cipher.AEAD
	keyVersion int
}

// NewStore opens the memory database, initializing the schema. The
// encryptionKey must be exactly 32 raw bytes or 64 hex characters.
func NewStore(dbPath, encryptionKey string, keyVersion int) (*Store, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if keyVersion <= 0 {
		keyVersion = 1
	}

	return &Store{db: db, gcm: gcm, keyVersion: keyVersion}, nil
}

// resolveEncryptionKey interprets the key as 32 raw bytes or 64 hex characters.
func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("encryption key hex must decode to 32 bytes: %w", ErrInvalidEncryptionKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ContentHash returns the deduplication digest for a content string.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Write persists a memory item. It assigns an ID and content hash, attaches
// the tier's default expiry when none is set, and encrypts the content.
func (s *Store) Write(ctx context.Context, item *Item) error {
	ctx, span := tracer.Start(ctx, "memstore.write",
		trace.WithAttributes(
			attribute.String("tenant_id", item.TenantID),
			attribute.String("memory.tier", string(item.Tier)),
		))
	defer span.End()

	if !item.Tier.Valid() {
		return fmt.Errorf("tier %q: %w", item.Tier, ErrInvalidTier)
	}
	prepareItem(item, s.keyVersion)

	ciphertext, nonce, err := s.encrypt(item.Content)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var embeddingBlob []byte
	if len(item.Embedding) > 0 {
		embeddingBlob = inference.EncodeVector(item.Embedding)
	}

	if err := s.writeWithRetry(ctx, item, ciphertext, nonce, embeddingBlob); err != nil {
		span.RecordError(err)
		return err
	}

	writesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("memory.id", item.ID))
	return nil
}

// prepareItem fills in ID, hash, timestamps, and tier-default expiry.
func prepareItem(item *Item, keyVersion int) {
	if item.ID == "" {
		item.ID = "mem_" + uuid.New().String()[:12]
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Content)
	}
	if item.KeyVersion == 0 {
		item.KeyVersion = keyVersion
	}
	if item.ExpiresAt == nil {
		if ttl := item.Tier.TTL(); ttl > 0 {
			expiry := item.CreatedAt.Add(ttl)
			item.ExpiresAt = &expiry
		}
	}
}

func (s *Store) encrypt(content string) (ciphertext, nonce string, err error) {
	nonceBytes := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonceBytes); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.gcm.Seal(nil, nonceBytes, []byte(content), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonceBytes), nil
}

func (s *Store) decrypt(ciphertext, nonce string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := s.gcm.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting content: %w", err)
	}
	return string(plaintext), nil
}

// writeWithRetry runs writeInTx with retries on SQLite busy/locked.
func (s *Store) writeWithRetry(ctx context.Context, item *Item, ciphertext, nonce string, embeddingBlob []byte) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = s.writeInTx(ctx, item, ciphertext, nonce, embeddingBlob)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// writeInTx inserts the item row and its provenance refs in one transaction.
func (s *Store) writeInTx(ctx context.Context, item *Item, ciphertext, nonce string, embeddingBlob []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt interface{}
	if item.ExpiresAt != nil {
		expiresAt = item.ExpiresAt.UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_items (
			id, tenant_id, tier, locale, content_ciphertext, nonce,
			content_hash, embedding, created_at, expires_at, key_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TenantID, string(item.Tier), item.Locale, ciphertext, nonce,
		item.ContentHash, embeddingBlob, item.CreatedAt, expiresAt, item.KeyVersion,
	)
	if err != nil {
		return fmt.Errorf("writing memory item: %w", err)
	}

	for _, ref := range item.ProvenanceRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_provenance (item_id, ref) VALUES (?, ?)`,
			item.ID, ref); err != nil {
			return fmt.Errorf("writing provenance ref: %w", err)
		}
	}

	return tx.Commit()
}

// Get fetches a single item by id. Expired items are reported as not found
// but are left in place for compaction to remove.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Item, error) {
	ctx, span := tracer.Start(ctx, "memstore.get",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, tier, locale, content_ciphertext, nonce,
		        content_hash, embedding, created_at, expires_at, key_version
		 FROM memory_items WHERE tenant_id = ? AND id = ?`,
		tenantID, id)

	item, err := s.scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	if item.Expired(time.Now().UTC()) {
		span.SetAttributes(attribute.Bool("memory.expired", true))
		return nil, ErrItemNotFound
	}

	if err := s.loadProvenance(ctx, []*Item{item}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	readsTotal.Add(ctx, 1)
	return item, nil
}

// ListByTier returns all live items of one tier, newest first. Items whose
// expiry has passed are filtered out without being deleted.
func (s *Store) ListByTier(ctx context.Context, tenantID string, tier Tier) ([]*Item, error) {
	ctx, span := tracer.Start(ctx, "memstore.list_by_tier",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("memory.tier", string(tier)),
		))
	defer span.End()

	if !tier.Valid() {
		return nil, fmt.Errorf("tier %q: %w", tier, ErrInvalidTier)
	}

	return s.queryItems(ctx, span,
		`SELECT id, tenant_id, tier, locale, content_ciphertext, nonce,
		        content_hash, embedding, created_at, expires_at, key_version
		 FROM memory_items
		 WHERE tenant_id = ? AND tier = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		tenantID, string(tier), time.Now().UTC())
}

// List returns all live items for a tenant across every tier, newest first.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Item, error) {
	ctx, span := tracer.Start(ctx, "memstore.list",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	return s.queryItems(ctx, span,
		`SELECT id, tenant_id, tier, locale, content_ciphertext, nonce,
		        content_hash, embedding, created_at, expires_at, key_version
		 FROM memory_items
		 WHERE tenant_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		tenantID, time.Now().UTC())
}

// ListWithEmbeddings returns live items that carry an embedding vector.
// This is the candidate set for similarity retrieval.
func (s *Store) ListWithEmbeddings(ctx context.Context, tenantID string) ([]*Item, error) {
	ctx, span := tracer.Start(ctx, "memstore.list_with_embeddings",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	return s.queryItems(ctx, span,
		`SELECT id, tenant_id, tier, locale, content_ciphertext, nonce,
		        content_hash, embedding, created_at, expires_at, key_version
		 FROM memory_items
		 WHERE tenant_id = ? AND embedding IS NOT NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		tenantID, time.Now().UTC())
}

// FindByContentHash returns live items sharing a content hash, newest first.
func (s *Store) FindByContentHash(ctx context.Context, tenantID, contentHash string) ([]*Item, error) {
	ctx, span := tracer.Start(ctx, "memstore.find_by_content_hash",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	return s.queryItems(ctx, span,
		`SELECT id, tenant_id, tier, locale, content_ciphertext, nonce,
		        content_hash, embedding, created_at, expires_at, key_version
		 FROM memory_items
		 WHERE tenant_id = ? AND content_hash = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		tenantID, contentHash, time.Now().UTC())
}

// Delete removes an item explicitly.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	ctx, span := tracer.Start(ctx, "memstore.delete",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_items WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting memory item: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrItemNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memory_provenance WHERE item_id = ?`, id)
	return nil
}

// Compact deletes expired working-tier items across all tenants and returns
// the number of rows removed. Other tiers are never compacted; their expired
// items stay filtered out of reads.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "memstore.compact")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_items
		 WHERE tier = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(TierWorking), time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("compacting working tier: %w", err)
	}

	deleted, _ := res.RowsAffected()
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM memory_provenance
		 WHERE item_id NOT IN (SELECT id FROM memory_items)`)

	compactionDeletes.Add(ctx, deleted)
	span.SetAttributes(attribute.Int64("memory.compacted", deleted))
	return deleted, nil
}

// Count returns the number of stored items for a tenant, expired included.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE tenant_id = ?`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting memory items: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanItem(row rowScanner) (*Item, error) {
	var (
		item          Item
		tier          string
		ciphertext    string
		nonce         string
		embeddingBlob []byte
		expiresAt     sql.NullTime
	)
	err := row.Scan(&item.ID, &item.TenantID, &tier, &item.Locale, &ciphertext, &nonce,
		&item.ContentHash, &embeddingBlob, &item.CreatedAt, &expiresAt, &item.KeyVersion)
	if err != nil {
		return nil, err
	}

	item.Tier = Tier(tier)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		item.ExpiresAt = &t
	}

	item.Content, err = s.decrypt(ciphertext, nonce)
	if err != nil {
		return nil, err
	}

	if len(embeddingBlob) > 0 {
		item.Embedding, err = inference.DecodeVector(embeddingBlob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", item.ID, err)
		}
	}

	return &item, nil
}

func (s *Store) queryItems(ctx context.Context, span trace.Span, query string, args ...interface{}) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying memory items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := s.scanItem(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory items: %w", err)
	}

	if err := s.loadProvenance(ctx, items); err != nil {
		span.RecordError(err)
		return nil, err
	}

	readsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.items", len(items)))
	return items, nil
}

// loadProvenance attaches provenance refs to the given items.
func (s *Store) loadProvenance(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	byID := make(map[string]*Item, len(items))
	placeholders := make([]string, 0, len(items))
	args := make([]interface{}, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		placeholders = append(placeholders, "?")
		args = append(args, it.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, ref FROM memory_provenance WHERE item_id IN (`+
			strings.Join(placeholders, ",")+`) ORDER BY ref`, args...)
	if err != nil {
		return fmt.Errorf("querying provenance refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var itemID, ref string
		if err := rows.Scan(&itemID, &ref); err != nil {
			return fmt.Errorf("scanning provenance ref: %w", err)
		}
		if it, ok := byID[itemID]; ok {
			it.ProvenanceRefs = append(it.ProvenanceRefs, ref)
		}
	}
	return rows.Err()
}
