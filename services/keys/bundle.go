package keys

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	bundleIndexName  = "index.yaml"
	bundleRotations  = "rotations"
	bundleURLExpiry  = 15 * time.Minute
	bundleKeyPrefix  = "key-bundles"
	maxBundleEntry   = 1 << 20
	bundleIndexVerV1 = "1"
)

// BundleIndex lists the keys shipped in a provisioning bundle.
type BundleIndex struct {
	Version       string      `yaml:"version"`
	CreatedAt     time.Time   `yaml:"created_at"`
	RootKeyID     string      `yaml:"root_key_id"`
	RootPublicKey string      `yaml:"root_public_key"`
	Keys          []BundleKey `yaml:"keys"`
}

// BundleKey is one verification key in a bundle.
type BundleKey struct {
	KeyID     string  `yaml:"key_id"`
	Version   Version `yaml:"version"`
	PublicKey string  `yaml:"public_key"`
	Rotation  string  `yaml:"rotation,omitempty"`
}

// ObjectStore is the subset of the S3 client used to publish bundles.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// WriteBundle writes a zstd-compressed tar holding the active OPS keys and the
// rotation manifests that registered them, for provisioning offline devices.
func (m *Manager) WriteBundle(ctx context.Context, w io.Writer) (*BundleIndex, error) {
	var rows []keyMaterialModel
	err := m.orm.WithContext(ctx).
		Where("role = ? AND status = ?", string(RoleOps), string(StatusActive)).
		Order("created_at ASC, version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	index := &BundleIndex{
		Version:       bundleIndexVerV1,
		CreatedAt:     m.now().UTC().Truncate(time.Second),
		RootKeyID:     Fingerprint(m.root),
		RootPublicKey: EncodePublicKey(V2, m.root),
	}
	rotations := map[string][]byte{}
	for _, row := range rows {
		key := BundleKey{KeyID: row.KeyID, Version: Version(row.Version), PublicKey: row.PublicKey}
		if row.RotationManifest != "" {
			key.Rotation = path.Join(bundleRotations, row.KeyID+".yaml")
			rotations[key.Rotation] = []byte(row.RotationManifest)
		}
		index.Keys = append(index.Keys, key)
	}

	indexBytes, err := yaml.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("marshal index: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeTarFile(tw, bundleIndexName, indexBytes, index.CreatedAt); err != nil {
		return nil, err
	}
	for _, key := range index.Keys {
		data, ok := rotations[key.Rotation]
		if !ok {
			continue
		}
		delete(rotations, key.Rotation)
		if err := writeTarFile(tw, key.Rotation, data, index.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return index, nil
}

// PublishBundle uploads a fresh bundle and returns its object key and a presigned download URL.
func (m *Manager) PublishBundle(ctx context.Context, store ObjectStore, bucket string) (string, string, error) {
	if store == nil {
		return "", "", errors.New("object store is required")
	}
	if bucket == "" {
		return "", "", errors.New("bucket is required")
	}

	var buf bytes.Buffer
	index, err := m.WriteBundle(ctx, &buf)
	if err != nil {
		return "", "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])
	key := path.Join(bundleKeyPrefix, index.CreatedAt.Format("20060102T150405Z")+"-"+digest[:12]+".tar.zst")

	if err := store.PutObject(ctx, bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), digest); err != nil {
		return "", "", fmt.Errorf("upload bundle: %w", err)
	}
	url, err := store.PresignGet(ctx, bucket, key, bundleURLExpiry)
	if err != nil {
		return key, "", fmt.Errorf("presign bundle: %w", err)
	}
	return key, url, nil
}

// ReadBundle parses a bundle and verifies every v2 key against its ROOT-signed
// rotation manifest.
func ReadBundle(r io.Reader, root ed25519.PublicKey) (*BundleIndex, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if header.Size > maxBundleEntry {
			return nil, fmt.Errorf("entry %q too large", header.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxBundleEntry))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", header.Name, err)
		}
		files[path.Clean(header.Name)] = data
	}

	raw, ok := files[bundleIndexName]
	if !ok {
		return nil, errors.New("bundle missing " + bundleIndexName)
	}
	var index BundleIndex
	if err := yaml.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("unmarshal index: %w", err)
	}
	if index.Version != bundleIndexVerV1 {
		return nil, fmt.Errorf("unsupported bundle version %q", index.Version)
	}
	embedded, err := ParsePublicKey(index.RootPublicKey)
	if err != nil || !samePublicKey(root, embedded) {
		return nil, errors.New("bundle built for a different root key")
	}

	for _, key := range index.Keys {
		if key.Version != V2 {
			continue
		}
		data, ok := files[path.Clean(key.Rotation)]
		if key.Rotation == "" || !ok {
			return nil, fmt.Errorf("key %s has no rotation manifest", key.KeyID)
		}
		manifest, err := UnmarshalManifest(data)
		if err != nil {
			return nil, err
		}
		if err := manifest.Verify(root); err != nil {
			return nil, fmt.Errorf("key %s: %w", key.KeyID, err)
		}
		pub, err := manifest.OpsPublicKey()
		if err != nil {
			return nil, err
		}
		if Fingerprint(pub) != key.KeyID || EncodePublicKey(V2, pub) != key.PublicKey {
			return nil, fmt.Errorf("key %s does not match its rotation manifest", key.KeyID)
		}
	}
	return &index, nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}
