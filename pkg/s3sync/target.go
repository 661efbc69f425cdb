// Package s3sync publishes snapshot files to S3 so dashboards running
// elsewhere can read them.
package s3sync

import (
	"errors"
	"path"
	"strings"
)

// Target is an S3 bucket and key prefix.
type Target struct {
	Bucket string
	Prefix string
}

// ParseTarget accepts either an s3://bucket/prefix URI or a bare bucket
// name combined with prefix.
func ParseTarget(bucketOrURI, prefix string) (Target, error) {
	bucketOrURI = strings.TrimSpace(bucketOrURI)
	if bucketOrURI == "" {
		return Target{}, errors.New("empty S3 bucket")
	}
	if !strings.HasPrefix(bucketOrURI, "s3://") {
		if strings.Contains(bucketOrURI, "://") {
			return Target{}, errors.New("invalid S3 URI: must start with s3://")
		}
		return Target{Bucket: bucketOrURI, Prefix: cleanPrefix(prefix)}, nil
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(bucketOrURI, "s3://"), "/")
	if bucket == "" {
		return Target{}, errors.New("invalid S3 URI: missing bucket name")
	}
	return Target{Bucket: bucket, Prefix: cleanPrefix(path.Join(key, prefix))}, nil
}

func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Key returns the object key for a file name under the prefix.
func (t Target) Key(name string) string {
	if t.Prefix == "" {
		return name
	}
	return t.Prefix + "/" + name
}

func (t Target) String() string {
	return "s3://" + t.Bucket + "/" + t.Prefix
}
