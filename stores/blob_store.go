package stores

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"
	se "wuyrush.io/snap/errors"
)

// BlobStore stores encoded snap media, addressed by the opaque reference Put returns
type BlobStore interface {
	// Put saves data read from r under a reference derived from key and returns the reference
	Put(ctx context.Context, key string, r io.Reader) (string, *se.Err)
	// URL returns the location clients fetch the media referenced by ref from
	URL(ref string) string
	Open(ref string) (io.ReadSeekCloser, *se.Err)
	// Delete deletes media from store. Delete must be idempotent
	Delete(ctx context.Context, ref string) *se.Err
	Close() *se.Err
}

// LocalBlobStore implements BlobStore backed by local file system. Media is served to clients by the reader
// under BaseURL
type LocalBlobStore struct {
	Root    string
	BaseURL string
}

func (bs *LocalBlobStore) Put(ctx context.Context, key string, r io.Reader) (string, *se.Err) {
	ref := path.Clean(strings.TrimPrefix(key, "/"))
	fp, err := bs.path(ref)
	if err != nil {
		return "", err
	}
	// 1. prepare file to host data
	errMsg := "error allocating blob storage space"
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", se.NewServiceFailure(errMsg).WithCause(err)
	}
	// write to a temp file first so that readers never observe partial media
	tmp := fp + "." + ksuid.New().String() + ".part"
	f, ferr := os.Create(tmp)
	if ferr != nil {
		return "", se.NewServiceFailure(errMsg).WithCause(ferr)
	}
	// 2. pipe data to file
	_, cerr := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err := f.Close(); cerr == nil {
		cerr = err
	}
	if cerr != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return "", se.NewDependencyFailure("blob upload timed out").WithCause(cerr)
		}
		return "", se.NewServiceFailure("error saving blob data").WithCause(cerr)
	}
	if err := os.Rename(tmp, fp); err != nil {
		os.Remove(tmp)
		return "", se.NewServiceFailure("error committing blob data").WithCause(err)
	}
	return ref, nil
}

func (bs *LocalBlobStore) URL(ref string) string {
	return strings.TrimSuffix(bs.BaseURL, "/") + "/" + ref
}

func (bs *LocalBlobStore) Open(ref string) (io.ReadSeekCloser, *se.Err) {
	fp, perr := bs.path(ref)
	if perr != nil {
		return nil, perr
	}
	f, err := os.Open(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, se.NewNotFound("media not found").WithCause(err)
		}
		return nil, se.NewServiceFailure("error retrieving media").WithCause(err)
	}
	return f, nil
}

func (bs *LocalBlobStore) Delete(_ context.Context, ref string) *se.Err {
	fp, perr := bs.path(ref)
	if perr != nil {
		return perr
	}
	if err := os.Remove(fp); err != nil && !os.IsNotExist(err) {
		return se.NewServiceFailure("error removing media").WithCause(err)
	}
	return nil
}

func (bs *LocalBlobStore) Close() *se.Err {
	return nil
}

// path maps ref onto the file system, refusing refs which escape Root
func (bs *LocalBlobStore) path(ref string) (string, *se.Err) {
	clean := path.Clean("/" + ref)
	if clean == "/" || strings.Contains(ref, "..") {
		return "", se.NewBadInput("invalid media reference")
	}
	return filepath.Join(bs.Root, filepath.FromSlash(clean)), nil
}

// ctxReader fails reads once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
