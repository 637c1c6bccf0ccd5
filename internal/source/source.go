// Package source loads batches of submissions for `docgate submit`.
//
// A batch is a JSON array of {"document": {...}, "digest": "..."} objects and
// may live in a local file, an S3 object (s3://bucket/key) or an SSM
// parameter (ssm://name, decrypted).
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/docgate/internal/document"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/xerrors"
)

// DefaultMaxBytes bounds how much of a batch is read.
const DefaultMaxBytes = 64 << 20

// ObjectGetter is the subset of *s3.Client used here.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParameterGetter is the subset of *ssm.Client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Options struct {
	Logger log.Logger
	S3     ObjectGetter
	SSM    ParameterGetter
	// MaxBytes defaults to DefaultMaxBytes
	MaxBytes int64
}

type Loader struct {
	logger   log.Logger
	s3       ObjectGetter
	ssm      ParameterGetter
	maxBytes int64
}

func NewLoader(opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Loader{logger: opts.Logger, s3: opts.S3, ssm: opts.SSM, maxBytes: opts.MaxBytes}
}

// IsRemote reports whether loc needs AWS clients.
func IsRemote(loc string) bool {
	return strings.HasPrefix(loc, "s3://") || strings.HasPrefix(loc, "ssm://")
}

// Load reads and decodes the batch at loc.
func (l *Loader) Load(ctx context.Context, loc string) ([]document.Submission, error) {
	raw, err := l.read(ctx, loc)
	if err != nil {
		return nil, err
	}
	subs, err := Decode(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode batch %s", loc)
	}
	l.logger.Info(ctx, "loaded submission batch", "location", loc, "bytes", len(raw), "submissions", len(subs))
	return subs, nil
}

func (l *Loader) read(ctx context.Context, loc string) ([]byte, error) {
	switch {
	case strings.HasPrefix(loc, "s3://"):
		bucket, key, err := ParseS3URL(loc)
		if err != nil {
			return nil, err
		}
		return l.readS3(ctx, bucket, key)
	case strings.HasPrefix(loc, "ssm://"):
		return l.readSSM(ctx, strings.TrimPrefix(loc, "ssm://"))
	case loc == "":
		return nil, xerrors.New("batch location is required")
	}

	f, err := os.Open(loc)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open batch %s", loc)
	}
	defer f.Close()
	return l.readAll(f, loc)
}

func (l *Loader) readS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if l.s3 == nil {
		return nil, xerrors.New("s3 batch requested but no S3 client configured")
	}
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	return l.readAll(out.Body, "s3://"+bucket+"/"+key)
}

func (l *Loader) readSSM(ctx context.Context, name string) ([]byte, error) {
	if l.ssm == nil {
		return nil, xerrors.New("ssm batch requested but no SSM client configured")
	}
	if name == "" {
		return nil, xerrors.New("ssm parameter name is empty")
	}
	if !strings.HasPrefix(name, "/") && strings.Contains(name, "/") {
		name = "/" + name
	}
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	return []byte(*out.Parameter.Value), nil
}

func (l *Loader) readAll(r io.Reader, loc string) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read batch %s", loc)
	}
	if int64(len(b)) > l.maxBytes {
		return nil, xerrors.Newf("batch %s exceeds %d bytes", loc, l.maxBytes)
	}
	return b, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(loc string) (bucket, key string, err error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", "", xerrors.Wrapf(err, "parse %s", loc)
	}
	bucket, key = u.Host, strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || bucket == "" || key == "" {
		return "", "", xerrors.Newf("invalid S3 location %q, want s3://bucket/key", loc)
	}
	return bucket, key, nil
}

// Decode parses a batch. A single object is accepted as a batch of one.
// Unknown fields are rejected so typos in field names surface early.
func Decode(raw []byte) ([]document.Submission, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, xerrors.New("batch is empty")
	}
	if raw[0] == '{' {
		raw = append(append([]byte{'['}, raw...), ']')
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var subs []document.Submission
	if err := dec.Decode(&subs); err != nil {
		return nil, xerrors.Wrap(err, "decode submissions")
	}
	if dec.More() {
		return nil, xerrors.New("trailing data after batch")
	}
	return subs, nil
}
