// Package blob stores submission attachments (waveform exports, scanned
// consent forms) in an S3-compatible object store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"eegflow/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("attachment not found")

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the attachment bucket exists.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Attachment describes a stored object.
type Attachment struct {
	Ref         string    `json:"ref"`
	ExamID      string    `json:"examId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Put stores an attachment under a generated ref scoped to the exam.
func (s *Service) Put(ctx context.Context, examID, fileName, contentType string, size int64, body io.Reader) (Attachment, error) {
	ref := fmt.Sprintf("%s/%s-%s", examID, util.NewID("att"), fileName)

	info, err := s.client.PutObject(ctx, s.bucket, ref, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("store attachment: %w", err)
	}

	return Attachment{
		Ref:         ref,
		ExamID:      examID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        info.Size,
		UploadedAt:  time.Now(),
	}, nil
}

// Get opens an attachment for streaming. The caller closes the reader.
func (s *Service) Get(ctx context.Context, ref string) (io.ReadCloser, Attachment, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("open attachment: %w", err)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, Attachment{}, ErrNotFound
		}
		return nil, Attachment{}, fmt.Errorf("stat attachment: %w", err)
	}

	examID, fileName := splitRef(ref)
	return obj, Attachment{
		Ref:         ref,
		ExamID:      examID,
		FileName:    fileName,
		ContentType: stat.ContentType,
		Size:        stat.Size,
		UploadedAt:  stat.LastModified,
	}, nil
}

// splitRef recovers the exam id and original file name from a stored ref of
// the form examID/att_xxxx-fileName.
func splitRef(ref string) (examID, fileName string) {
	examID, rest, ok := strings.Cut(ref, "/")
	if !ok {
		return "", ref
	}
	if _, name, ok := strings.Cut(rest, "-"); ok {
		return examID, name
	}
	return examID, rest
}

// Remove deletes an attachment.
func (s *Service) Remove(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}
