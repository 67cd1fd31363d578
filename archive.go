package fieldsync

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures encryption of archived segments.
type EncryptionConfig struct {
	// Enabled turns on encryption for segment blobs
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256)
	// If empty, KeyPassword is used to derive a key
	Key []byte `yaml:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `yaml:"key_password"`
}

// Encryptor provides AES-GCM encryption for archive segments. Encrypted
// blobs carry the key-derivation salt and nonce so a segment is
// self-describing given the password.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// segMagic marks encrypted segment blobs.
var segMagic = [4]byte{'F', 'S', 'E', 'G'}

// NewEncryptor creates an encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key, salt []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// newEncryptorWithSalt derives the key from a password and an existing
// salt. Used when decrypting a segment written by another process.
func newEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != EncryptionSaltSize {
		return nil, errors.New("invalid salt size")
	}
	key := pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal wraps plaintext as magic || salt || nonce || ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+EncryptionSaltSize+EncryptionNonceSize+len(plaintext)+e.gcm.Overhead())
	out = append(out, segMagic[:]...)
	salt := e.salt
	if salt == nil {
		salt = make([]byte, EncryptionSaltSize)
	}
	out = append(out, salt...)
	out = append(out, nonce...)
	return e.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open unwraps a blob produced by Seal.
func (e *Encryptor) Open(blob []byte) ([]byte, error) {
	header := 4 + EncryptionSaltSize + EncryptionNonceSize
	if len(blob) < header {
		return nil, errors.New("encrypted segment too short")
	}
	if !bytes.Equal(blob[:4], segMagic[:]) {
		return nil, errors.New("invalid encrypted segment magic")
	}
	nonce := blob[4+EncryptionSaltSize : header]
	return e.gcm.Open(nil, nonce, blob[header:], nil)
}

// openSegmentBlob decrypts a sealed blob with a password, deriving the
// key from the salt embedded in the blob.
func openSegmentBlob(blob []byte, password string) ([]byte, error) {
	header := 4 + EncryptionSaltSize + EncryptionNonceSize
	if len(blob) < header {
		return nil, errors.New("encrypted segment too short")
	}
	if !bytes.Equal(blob[:4], segMagic[:]) {
		return nil, errors.New("invalid encrypted segment magic")
	}
	enc, err := newEncryptorWithSalt(password, blob[4:4+EncryptionSaltSize])
	if err != nil {
		return nil, err
	}
	return enc.Open(blob)
}

// ArchiveConfig configures cold archival of the knock log.
type ArchiveConfig struct {
	// Enabled turns on the background archiver
	Enabled bool `yaml:"enabled"`
	// Directory is the local segment directory. Ignored when S3 is set.
	Directory string `yaml:"directory"`
	// S3 archives segments to an S3-compatible object store instead of
	// the local filesystem.
	S3 *S3ArchiveConfig `yaml:"s3"`
	// SegmentSize is the number of knocks per archived segment.
	// Default: 10000.
	SegmentSize int `yaml:"segment_size"`
	// RetainHot is the number of newest knocks kept in the hot store
	// after archival. Default: 100000.
	RetainHot uint64 `yaml:"retain_hot"`
	// Interval between archival sweeps. Default: 15 minutes.
	Interval time.Duration `yaml:"-"`
	// Encryption encrypts segment blobs at rest.
	Encryption *EncryptionConfig `yaml:"encryption"`
}

func (c *ArchiveConfig) normalize() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 10000
	}
	if c.RetainHot == 0 {
		c.RetainHot = 100000
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
}

// ArchiveBackend stores and retrieves immutable segment blobs by key.
type ArchiveBackend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// DirArchiveBackend stores segments as files under a directory.
type DirArchiveBackend struct {
	dir string
}

// NewDirArchiveBackend creates a filesystem archive backend.
func NewDirArchiveBackend(dir string) (*DirArchiveBackend, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirArchiveBackend{dir: dir}, nil
}

func (b *DirArchiveBackend) path(key string) string {
	return filepath.Join(b.dir, filepath.FromSlash(key))
}

func (b *DirArchiveBackend) Write(ctx context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *DirArchiveBackend) Read(ctx context.Context, key string) ([]byte, error) {
	return os.ReadFile(b.path(key))
}

func (b *DirArchiveBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := b.dir
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *DirArchiveBackend) Close() error {
	return nil
}

// Segments are snappy-compressed JSON lines, one knock per line, ordered
// by server sequence, optionally sealed with AES-GCM.
func segmentKey(firstSeq, lastSeq uint64) string {
	return fmt.Sprintf("knocks/%016d-%016d.seg", firstSeq, lastSeq)
}

func encodeSegment(knocks []Knock, enc *Encryptor) ([]byte, error) {
	var buf bytes.Buffer
	w := json.NewEncoder(&buf)
	for i := range knocks {
		if err := w.Encode(&knocks[i]); err != nil {
			return nil, err
		}
	}
	blob := snappy.Encode(nil, buf.Bytes())
	if enc != nil {
		return enc.Seal(blob)
	}
	return blob, nil
}

func decodeSegment(blob []byte, enc *Encryptor) ([]Knock, error) {
	if enc != nil {
		plain, err := enc.Open(blob)
		if err != nil {
			return nil, err
		}
		blob = plain
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, err
	}

	var knocks []Knock
	dec := json.NewDecoder(bytes.NewReader(raw))
	for {
		var k Knock
		if err := dec.Decode(&k); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		knocks = append(knocks, k)
	}
	return knocks, nil
}

// Archiver moves aged knocks from the hot store into immutable segment
// blobs and advances the retention floor. Archived knocks stay queryable
// through RestoreSegment; the sync delta path only serves the hot log.
type Archiver struct {
	engine  *Engine
	config  ArchiveConfig
	backend ArchiveBackend
	enc     *Encryptor

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewArchiver creates an archiver over the configured backend.
func NewArchiver(e *Engine, cfg ArchiveConfig) (*Archiver, error) {
	cfg.normalize()

	var backend ArchiveBackend
	var err error
	if cfg.S3 != nil {
		backend, err = NewS3ArchiveBackend(*cfg.S3)
	} else {
		backend, err = NewDirArchiveBackend(cfg.Directory)
	}
	if err != nil {
		return nil, err
	}

	var enc *Encryptor
	if cfg.Encryption != nil {
		enc, err = NewEncryptor(*cfg.Encryption)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	return &Archiver{
		engine:  e,
		config:  cfg,
		backend: backend,
		enc:     enc,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start launches the background archival loop.
func (a *Archiver) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go a.loop()
}

// Stop halts the loop and closes the backend.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		_ = a.backend.Close()
		return
	}
	a.started = false
	a.mu.Unlock()

	close(a.stopCh)
	<-a.doneCh
	_ = a.backend.Close()
}

func (a *Archiver) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			_ = a.Sweep(context.Background())
		}
	}
}

// Sweep archives every eligible full segment: knocks older than the
// retain-hot window, in segment-size batches. Each segment is written to
// the backend before the hot copy is pruned, and the retention floor
// advances only after a successful prune.
func (a *Archiver) Sweep(ctx context.Context) error {
	store := a.engine.Store()

	for {
		head, err := store.GetCounter(ctx, counterKnockSeq)
		if err != nil {
			return err
		}
		oldest, err := store.GetCounter(ctx, counterOldestRetained)
		if err != nil {
			return err
		}
		if oldest == 0 {
			oldest = 1
		}

		// Only archive knocks that have aged out of the hot window.
		if head < a.config.RetainHot || oldest > head-a.config.RetainHot {
			return nil
		}
		limit := head - a.config.RetainHot - oldest + 1
		if limit > uint64(a.config.SegmentSize) {
			limit = uint64(a.config.SegmentSize)
		}
		if limit == 0 {
			return nil
		}

		knocks, err := store.KnocksSince(ctx, oldest-1, int(limit))
		if err != nil {
			return err
		}
		if len(knocks) == 0 {
			// The floor can trail pruned sequences after a partial
			// failure; advance past the gap.
			if err := store.RaiseCounter(ctx, counterOldestRetained, oldest+limit); err != nil {
				return err
			}
			continue
		}

		firstSeq := knocks[0].ServerSequence
		lastSeq := knocks[len(knocks)-1].ServerSequence

		blob, err := encodeSegment(knocks, a.enc)
		if err != nil {
			return err
		}
		if err := a.backend.Write(ctx, segmentKey(firstSeq, lastSeq), blob); err != nil {
			return fmt.Errorf("archive segment write failed: %w", err)
		}

		if err := store.PruneKnocksThrough(ctx, lastSeq); err != nil {
			return err
		}
		if err := store.RaiseCounter(ctx, counterOldestRetained, lastSeq+1); err != nil {
			return err
		}
		a.engine.stats.archivedSegments.Add(1)

		if len(knocks) < a.config.SegmentSize {
			return nil
		}
	}
}

// Segments lists archived segment keys in sequence order.
func (a *Archiver) Segments(ctx context.Context) ([]string, error) {
	return a.backend.List(ctx, "knocks/")
}

// RestoreSegment reads one archived segment back into memory.
func (a *Archiver) RestoreSegment(ctx context.Context, key string) ([]Knock, error) {
	blob, err := a.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeSegment(blob, a.enc)
}

// RestoreArchive streams every archived knock, in sequence order, to fn.
// Iteration stops on the first error from fn.
func (a *Archiver) RestoreArchive(ctx context.Context, fn func(Knock) error) error {
	keys, err := a.Segments(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		knocks, err := a.RestoreSegment(ctx, key)
		if err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
		for _, k := range knocks {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}
