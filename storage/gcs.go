// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"io/ioutil"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Implements the Backend interface to store volumes in Google Cloud
// Storage.
type gcsBackend struct {
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	bucketName   string
	prefix       string
	storageClass string
	limiter      *Limiter
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional. Object names are prefixed with this, allowing multiple
	// backup repositories to share a bucket.
	Prefix string
	// Optional storage class for stored objects; "coldline" by default,
	// since volumes are written once and rarely read.
	StorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

func NewGCS(ctx context.Context, options GCSOptions) (Backend, error) {
	if options.BucketName == "" {
		return nil, ConfigErrorf("gcs: bucket name must be specified")
	}

	g := &gcsBackend{
		bucketName:   options.BucketName,
		prefix:       options.Prefix,
		storageClass: options.StorageClass,
	}
	if g.storageClass == "" {
		g.storageClass = "coldline"
	}

	var err error
	g.client, err = gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if options.ProjectId == "" {
			return nil, ConfigErrorf("gcs: project id required to create bucket %s",
				options.BucketName)
		}
		err := g.bucket.Create(ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if options.MaxUploadBytesPerSecond > 0 ||
		options.MaxDownloadBytesPerSecond > 0 {
		g.limiter = NewLimiter(options.MaxUploadBytesPerSecond,
			options.MaxDownloadBytesPerSecond)
	}

	return g, nil
}

func (g *gcsBackend) String() string {
	return "gs://" + g.bucketName + "/" + g.prefix
}

func (g *gcsBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return names, nil
		}
		if err != nil {
			return nil, Transient("list", g.prefix, err)
		}

		name := obj.Name[len(g.prefix):]
		if checkName(name) != nil || strings.HasSuffix(name, ".tmp") {
			// Either a leftover temporary object from an interrupted
			// upload or something with a slash, which isn't ours.
			continue
		}
		names = append(names, name)
	}
}

func (g *gcsBackend) Get(ctx context.Context, name string) ([]byte, error) {
	log.Debug("%s: starting gcs download", name)

	r, err := g.bucket.Object(g.prefix + name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, Transient("get", name, err)
	}
	defer r.Close()

	b, err := ioutil.ReadAll(g.limiter.DownloadReader(r))
	if err != nil {
		return nil, Transient("get", name, err)
	}
	return b, nil
}

func (g *gcsBackend) Delete(ctx context.Context, name string) error {
	err := g.bucket.Object(g.prefix + name).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return Transient("delete", name, err)
	}
	return nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsBackend) Put(ctx context.Context, name string, buf []byte) error {
	if err := checkName(name); err != nil {
		return err
	}

	obj := g.bucket.Object(g.prefix + name)
	tmpName := g.prefix + name + ".tmp"
	tmpObj := g.bucket.Object(tmpName)

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	r := g.limiter.UploadReader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return Transient("put", name, err)
	}
	if err := w.Close(); err != nil {
		return Transient("put", name, err)
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is. The data was most likely corrupted over the network
	// if they differ, so it's worth another try.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	gcsCrc := w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return Transient("put", name,
			errors.Errorf("CRC32 checksum mismatch. Local: %d, GCS: %d", localCrc, gcsCrc))
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = g.storageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	if _, err := copier.Run(ctx); err != nil {
		return Transient("put", name, err)
	}
	return nil
}
