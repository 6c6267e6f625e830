package compiler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jackyluk/genericOCL/internal/utils"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	artifactSuffix = ".br"
	manifestSuffix = ".manifest"
)

// Cache memoises another Compiler by request content. Artifacts live in memory
// and, when Dir is set, on disk as brotli files next to a protobuf manifest.
type Cache struct {
	inner  Compiler
	dir    string
	logger *utils.Logger

	mu      sync.Mutex
	entries map[string][]byte
	hits    uint64
	misses  uint64
}

// NewCache wraps inner. An empty dir keeps the cache in memory only.
func NewCache(inner Compiler, dir string, logger *utils.Logger) (*Cache, error) {
	if logger == nil {
		logger = utils.DefaultLogger("compiler")
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("compiler cache: %w", err)
		}
	}
	return &Cache{
		inner:   inner,
		dir:     dir,
		logger:  logger,
		entries: make(map[string][]byte),
	}, nil
}

// Key hashes every input that can change the artifact
func Key(req Request) string {
	h := sha256.New()
	var num [4]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint32(num[:], uint32(len(b)))
		h.Write(num[:])
		h.Write(b)
	}
	writeField([]byte(req.Name))
	writeField(req.Source)
	binary.BigEndian.PutUint32(num[:], req.GlobalX)
	h.Write(num[:])
	binary.BigEndian.PutUint32(num[:], req.GlobalY)
	h.Write(num[:])
	writeField([]byte(ArgLayout(req.Args)))
	return hex.EncodeToString(h.Sum(nil))
}

// Compile implements Compiler
func (c *Cache) Compile(ctx context.Context, req Request) ([]byte, error) {
	key := Key(req)

	c.mu.Lock()
	if art, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return art, nil
	}
	c.mu.Unlock()

	if art, err := c.loadDisk(key); err == nil {
		c.remember(key, art, true)
		c.logger.Debug("Artifact loaded from disk cache", utils.String("kernel", req.Name), utils.String("key", key[:12]))
		return art, nil
	} else if !os.IsNotExist(err) {
		c.logger.Warn("Discarding unreadable cache entry", utils.String("key", key[:12]), utils.Err(err))
	}

	art, err := c.inner.Compile(ctx, req)
	if err != nil {
		return nil, err
	}
	c.remember(key, art, false)
	if err := c.storeDisk(key, req, art); err != nil {
		c.logger.Warn("Failed to persist artifact", utils.String("key", key[:12]), utils.Err(err))
	}
	return art, nil
}

func (c *Cache) remember(key string, art []byte, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = art
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

// Stats returns cache hit and miss counts
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) paths(key string) (artifact, manifest string) {
	return filepath.Join(c.dir, key+artifactSuffix), filepath.Join(c.dir, key+manifestSuffix)
}

func (c *Cache) storeDisk(key string, req Request, art []byte) error {
	if c.dir == "" {
		return nil
	}
	artPath, manPath := c.paths(key)

	var compressed bytes.Buffer
	w := brotli.NewWriterLevel(&compressed, brotli.BestCompression)
	if _, err := w.Write(art); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	digest := sha256.Sum256(art)
	manifest, err := structpb.NewStruct(map[string]interface{}{
		"name":       req.Name,
		"global_x":   float64(req.GlobalX),
		"global_y":   float64(req.GlobalY),
		"layout":     ArgLayout(req.Args),
		"size":       float64(len(art)),
		"sha256":     hex.EncodeToString(digest[:]),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	encoded, err := proto.Marshal(manifest)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(artPath, compressed.Bytes()); err != nil {
		return err
	}
	return writeFileAtomic(manPath, encoded)
}

func (c *Cache) loadDisk(key string) ([]byte, error) {
	if c.dir == "" {
		return nil, os.ErrNotExist
	}
	man, err := c.Manifest(key)
	if err != nil {
		return nil, err
	}
	artPath, _ := c.paths(key)
	f, err := os.Open(artPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	art, err := io.ReadAll(brotli.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	fields := man.GetFields()
	if int(fields["size"].GetNumberValue()) != len(art) {
		return nil, fmt.Errorf("size %d does not match manifest", len(art))
	}
	digest := sha256.Sum256(art)
	if fields["sha256"].GetStringValue() != hex.EncodeToString(digest[:]) {
		return nil, fmt.Errorf("digest does not match manifest")
	}
	return art, nil
}

// Manifest reads the stored manifest for key
func (c *Cache) Manifest(key string) (*structpb.Struct, error) {
	_, manPath := c.paths(key)
	raw, err := os.ReadFile(manPath)
	if err != nil {
		return nil, err
	}
	var man structpb.Struct
	if err := proto.Unmarshal(raw, &man); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &man, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
