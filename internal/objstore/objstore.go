// Package objstore issues short-lived signed URLs for the upload bucket.
// Browsers PUT large artifacts directly; the worker later GETs them, and the
// async ASR surface receives the same signed GET URL.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// putExpiry bounds how long an issued upload URL stays usable.
const putExpiry = 15 * time.Minute

// uploadContentType is pinned into the signature; the browser must upload
// with the same header.
const uploadContentType = "application/octet-stream"

// ErrBadExtension rejects upload keys outside the allowed media formats.
var ErrBadExtension = errors.New("objstore: extension not allowed")

// allowedExtensions is the upload whitelist.
var allowedExtensions = map[string]bool{
	"mp3": true, "m4a": true, "aac": true, "ogg": true, "oga": true,
	"opus": true, "wav": true, "flac": true, "wma": true,
	"mp4": true, "mov": true, "mkv": true, "avi": true, "webm": true,
}

// presignAPI is the subset of [s3.PresignClient] the store uses.
type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store signs object URLs for one bucket.
type Store struct {
	presign presignAPI
	bucket  string
}

// New wraps a presign client for the given bucket.
func New(presign presignAPI, bucket string) *Store {
	return &Store{presign: presign, bucket: bucket}
}

// NewKey builds a fresh object key for a user upload:
// uploads/{user_id}/{uuid}.{ext}. The extension is validated against the
// whitelist.
func NewKey(userID int64, ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrBadExtension, ext)
	}
	return fmt.Sprintf("uploads/%d/%s.%s", userID, uuid.NewString(), ext), nil
}

// OwnedBy reports whether key sits under the user's upload prefix. The
// process endpoint uses it to stop one user from referencing another's
// objects.
func OwnedBy(key string, userID int64) bool {
	return strings.HasPrefix(key, fmt.Sprintf("uploads/%d/", userID))
}

// SignedPut returns a presigned upload URL for key, valid for 15 minutes and
// bound to the octet-stream content type.
func (s *Store) SignedPut(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(uploadContentType),
	}, s3.WithPresignExpires(putExpiry))
	if err != nil {
		return "", fmt.Errorf("objstore: presign put %s: %w", key, err)
	}
	return req.URL, nil
}

// SignedGet returns a presigned download URL for key.
func (s *Store) SignedGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("objstore: presign get %s: %w", key, err)
	}
	return req.URL, nil
}
