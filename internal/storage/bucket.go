// Package storage keeps uploaded display pictures in a filesystem-backed bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
)

var (
	// ErrInvalidObjectName indicates an object name containing path elements.
	ErrInvalidObjectName = errors.New("storage: invalid object name")
	// ErrObjectNotFound indicates the requested object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrNotAnImage indicates uploaded content that is not an accepted image type.
	ErrNotAnImage = errors.New("storage: content is not an accepted image")
)

// BucketConfig configures a Bucket.
type BucketConfig struct {
	Fs        afero.Fs
	Root      string
	PublicURL string
	Logger    *zap.Logger
}

// Bucket stores objects under a root directory and exposes them by public URL.
type Bucket struct {
	fs        afero.Fs
	publicURL string
	logger    *zap.Logger
}

// Object is an opened stored object.
type Object struct {
	File        afero.File
	Size        int64
	ContentType string
}

// Image describes sniffed image content.
type Image struct {
	ContentType string
	Extension   string
}

// NewBucket prepares the root directory and returns a bucket jailed to it.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Fs == nil {
		return nil, errors.New("storage: filesystem required")
	}
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("storage: root directory required")
	}
	if strings.TrimSpace(cfg.PublicURL) == "" {
		return nil, errors.New("storage: public url required")
	}
	if err := cfg.Fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bucket{
		fs:        afero.NewBasePathFs(cfg.Fs, root),
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    logger,
	}, nil
}

// Put writes the object and returns its public URL.
func (b *Bucket) Put(ctx context.Context, name string, content io.Reader) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	file, err := b.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: create %s: %w", name, err)
	}
	written, copyErr := io.Copy(file, content)
	closeErr := file.Close()
	if copyErr != nil {
		return "", fmt.Errorf("storage: write %s: %w", name, copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("storage: close %s: %w", name, closeErr)
	}
	b.logger.Debug("object stored", zap.String("name", name), zap.Int64("bytes", written))
	return b.URL(name), nil
}

// Open returns the stored object with its sniffed content type.
func (b *Bucket) Open(name string) (Object, error) {
	if err := validateName(name); err != nil {
		return Object{}, err
	}
	file, err := b.fs.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("storage: open %s: %w", name, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Object{}, fmt.Errorf("storage: stat %s: %w", name, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return Object{}, ErrObjectNotFound
	}
	detected, err := mimetype.DetectReader(file)
	if err != nil {
		_ = file.Close()
		return Object{}, fmt.Errorf("storage: sniff %s: %w", name, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		_ = file.Close()
		return Object{}, fmt.Errorf("storage: rewind %s: %w", name, err)
	}
	return Object{File: file, Size: info.Size(), ContentType: detected.String()}, nil
}

// URL returns the public URL of an object name.
func (b *Bucket) URL(name string) string {
	return b.publicURL + "/" + url.PathEscape(name)
}

// SniffImage inspects content and reports its image type.
func SniffImage(content []byte) (Image, error) {
	detected := mimetype.Detect(content)
	if !validation.IsImageMimetype(detected.String()) {
		return Image{}, fmt.Errorf("%w: %s", ErrNotAnImage, detected.String())
	}
	return Image{ContentType: detected.String(), Extension: detected.Extension()}, nil
}

func validateName(name string) error {
	if name == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidObjectName, name)
	}
	return nil
}
