// Package object stores the files a Service reads: uploaded resumes and job
// posting screenshots.
package object

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"jobmatch-backend/internal/shared/util"
)

// Kind groups stored objects by what the pipeline does with them.
type Kind string

const (
	KindResume   Kind = "resumes"
	KindJobImage Kind = "job-images"
)

// ErrInvalidKey means a storage key is malformed or escapes its namespace.
var ErrInvalidKey = errors.New("invalid storage key")

// Object describes a stored file.
type Object struct {
	Key         string `json:"key"`
	Kind        Kind   `json:"kind"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

// ObjectStore saves uploads under an owner's namespace and reads them back
// by key.
type ObjectStore interface {
	Put(ctx context.Context, owner string, kind Kind, fileName string, r io.Reader) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ParseKind accepts the kind names clients send.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resume", string(KindResume):
		return KindResume, true
	case "job_image", "job-image", string(KindJobImage):
		return KindJobImage, true
	default:
		return "", false
	}
}

// NewKey builds "<kind>/<owner hash>/<random>_<file name>".
func NewKey(owner string, kind Kind, fileName string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidKey)
	}
	name, err := util.SanitizeFileName(fileName)
	if err != nil {
		return "", fmt.Errorf("sanitize file name: %w", err)
	}
	return path.Join(string(kind), util.HashUserKey(owner), randomID()+"_"+name), nil
}

// CleanKey rejects absolute keys and traversal.
func CleanKey(key string) (string, error) {
	clean := path.Clean(strings.TrimSpace(key))
	if clean == "." || strings.HasPrefix(clean, "..") || strings.HasPrefix(clean, "/") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

// OwnedBy reports whether key was issued to owner for kind.
func OwnedBy(key, owner string, kind Kind) bool {
	clean, err := CleanKey(key)
	if err != nil {
		return false
	}
	parts := strings.SplitN(clean, "/", 3)
	return len(parts) == 3 && parts[0] == string(kind) && parts[1] == util.HashUserKey(owner)
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
