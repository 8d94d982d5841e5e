package hearth

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

// Snapshot archive layout: a magic string, a flags byte, an optional
// key-derivation salt, then a sequence of entries. Each entry is a
// uvarint path length, the slash-separated relative path, a uvarint
// block length and the block. Blocks are snappy-compressed when the
// compression flag is set and AES-GCM sealed when the encryption flag
// is set (in that order).
const (
	snapshotMagic = "HSNAP1\n"

	snapFlagCompressed byte = 1 << 0
	snapFlagEncrypted  byte = 1 << 1

	keySaltSize    = 32
	keySize        = 32
	keyIterations  = 100_000
	maxSnapshotKey = 4096 // sanity bound on stored path lengths
)

// BackupConfig configures snapshot backups of the whole store.
type BackupConfig struct {
	// Dir is where snapshot files and the manifest live. Required,
	// and must not be inside the store's data directory tree that is
	// being archived... it may be, in which case it is skipped.
	Dir string

	// Compression enables snappy compression of file blocks.
	Compression bool

	// Password enables encryption; the key is derived via PBKDF2.
	Password string

	// RetentionCount is how many snapshots to keep. Default: 10.
	RetentionCount int
}

// BackupRecord describes one snapshot.
type BackupRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Size       int64     `json:"size"`
	Files      int       `json:"files"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	FilePath   string    `json:"file_path"`
}

// BackupManifest tracks snapshot history.
type BackupManifest struct {
	Backups []BackupRecord `json:"backups"`
}

// BackupManager produces and restores full-store snapshots: every day
// file plus the journal and its rotated segments in a single archive.
type BackupManager struct {
	db     *DB
	config BackupConfig

	mu       sync.Mutex
	manifest *BackupManifest
}

// NewBackupManager creates a backup manager for db.
func NewBackupManager(db *DB, cfg BackupConfig) (*BackupManager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup destination required")
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = 10
	}
	bm := &BackupManager{
		db:       db,
		config:   cfg,
		manifest: &BackupManifest{},
	}
	if err := bm.loadManifest(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load backup manifest: %w", err)
	}
	return bm, nil
}

// Backup flushes dirty days and writes one snapshot archive, then
// trims snapshots beyond the retention count.
func (bm *BackupManager) Backup() (*BackupRecord, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if err := bm.db.Flush(false, false); err != nil {
		return nil, fmt.Errorf("backup flush: %w", err)
	}
	if err := os.MkdirAll(bm.config.Dir, 0o755); err != nil {
		return nil, err
	}

	rec := BackupRecord{
		ID:         fmt.Sprintf("snap_%d", time.Now().UnixNano()),
		Timestamp:  time.Now(),
		Compressed: bm.config.Compression,
		Encrypted:  bm.config.Password != "",
	}
	rec.FilePath = filepath.Join(bm.config.Dir, rec.ID+".hearth")

	out, err := os.Create(rec.FilePath)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(out)

	var flags byte
	if rec.Compressed {
		flags |= snapFlagCompressed
	}
	var enc *snapshotCipher
	if rec.Encrypted {
		flags |= snapFlagEncrypted
		salt := make([]byte, keySaltSize)
		if _, err := rand.Read(salt); err != nil {
			_ = out.Close()
			return nil, err
		}
		if enc, err = newSnapshotCipher(bm.config.Password, salt); err != nil {
			_ = out.Close()
			return nil, err
		}
	}

	if _, err := w.WriteString(snapshotMagic); err != nil {
		_ = out.Close()
		return nil, err
	}
	if err := w.WriteByte(flags); err != nil {
		_ = out.Close()
		return nil, err
	}
	if enc != nil {
		if _, err := w.Write(enc.salt); err != nil {
			_ = out.Close()
			return nil, err
		}
	}

	err = bm.walkStoreFiles(func(relPath, absPath string) error {
		data, err := os.ReadFile(absPath)
		if err != nil {
			return err
		}
		block := data
		if rec.Compressed {
			block = snappy.Encode(nil, block)
		}
		if enc != nil {
			if block, err = enc.seal(block); err != nil {
				return err
			}
		}
		if err := writeUvarint(w, uint64(len(relPath))); err != nil {
			return err
		}
		if _, err := w.WriteString(relPath); err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(len(block))); err != nil {
			return err
		}
		if _, err := w.Write(block); err != nil {
			return err
		}
		rec.Files++
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(rec.FilePath)
		return nil, err
	}

	if info, err := os.Stat(rec.FilePath); err == nil {
		rec.Size = info.Size()
	}
	bm.manifest.Backups = append(bm.manifest.Backups, rec)
	bm.trimLocked()
	if err := bm.saveManifest(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Restore unpacks the identified snapshot into destDir, recreating the
// store's directory layout there.
func (bm *BackupManager) Restore(id, destDir string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var rec *BackupRecord
	for i := range bm.manifest.Backups {
		if bm.manifest.Backups[i].ID == id {
			rec = &bm.manifest.Backups[i]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("restore: unknown snapshot %q", id)
	}

	in, err := os.Open(rec.FilePath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	r := bufio.NewReader(in)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return errors.New("restore: not a hearth snapshot")
	}
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	var enc *snapshotCipher
	if flags&snapFlagEncrypted != 0 {
		if bm.config.Password == "" {
			return errors.New("restore: snapshot is encrypted, password required")
		}
		salt := make([]byte, keySaltSize)
		if _, err := io.ReadFull(r, salt); err != nil {
			return err
		}
		if enc, err = newSnapshotCipher(bm.config.Password, salt); err != nil {
			return err
		}
	}

	for {
		pathLen, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if pathLen == 0 || pathLen > maxSnapshotKey {
			return errors.New("restore: corrupt entry path")
		}
		pathBuf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBuf); err != nil {
			return err
		}
		relPath := string(pathBuf)
		if strings.Contains(relPath, "..") {
			return errors.New("restore: corrupt entry path")
		}
		blockLen, err := binary.ReadUvarint(r)
		if err != nil {
			return err
		}
		block := make([]byte, blockLen)
		if _, err := io.ReadFull(r, block); err != nil {
			return err
		}
		if enc != nil {
			if block, err = enc.open(block); err != nil {
				return fmt.Errorf("restore %s: %w", relPath, err)
			}
		}
		if flags&snapFlagCompressed != 0 {
			if block, err = snappy.Decode(nil, block); err != nil {
				return fmt.Errorf("restore %s: %w", relPath, err)
			}
		}
		target := filepath.Join(destDir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, block, 0o644); err != nil {
			return err
		}
	}
}

// Backups lists known snapshots, newest last.
func (bm *BackupManager) Backups() []BackupRecord {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := make([]BackupRecord, len(bm.manifest.Backups))
	copy(out, bm.manifest.Backups)
	return out
}

// walkStoreFiles visits the store's day-file tree and journal files in
// a stable order, skipping the backup destination if it nests inside
// the data directory.
func (bm *BackupManager) walkStoreFiles(fn func(relPath, absPath string) error) error {
	base := bm.db.config.Dir
	skip, _ := filepath.Abs(bm.config.Dir)

	var paths []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs, _ := filepath.Abs(path); abs == skip && d.IsDir() {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, path := range paths {
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if err := fn(filepath.ToSlash(rel), path); err != nil {
			return err
		}
	}
	return nil
}

func (bm *BackupManager) trimLocked() {
	for len(bm.manifest.Backups) > bm.config.RetentionCount {
		old := bm.manifest.Backups[0]
		bm.manifest.Backups = bm.manifest.Backups[1:]
		_ = os.Remove(old.FilePath)
	}
}

func (bm *BackupManager) manifestPath() string {
	return filepath.Join(bm.config.Dir, "manifest.json")
}

func (bm *BackupManager) loadManifest() error {
	data, err := os.ReadFile(bm.manifestPath())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, bm.manifest)
}

func (bm *BackupManager) saveManifest() error {
	data, err := json.MarshalIndent(bm.manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(bm.manifestPath(), data, 0o644)
}

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// snapshotCipher seals snapshot blocks with AES-256-GCM under a
// password-derived key. The nonce is prepended to each sealed block.
type snapshotCipher struct {
	gcm  cipher.AEAD
	salt []byte
}

func newSnapshotCipher(password string, salt []byte) (*snapshotCipher, error) {
	if len(salt) != keySaltSize {
		return nil, errors.New("invalid salt size")
	}
	key := pbkdf2.Key([]byte(password), salt, keyIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &snapshotCipher{gcm: gcm, salt: salt}, nil
}

func (c *snapshotCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *snapshotCipher) open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.gcm.NonceSize() {
		return nil, errors.New("sealed block too short")
	}
	nonce := sealed[:c.gcm.NonceSize()]
	return c.gcm.Open(nil, nonce, sealed[c.gcm.NonceSize():], nil)
}
