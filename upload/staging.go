package upload

import (
	"io"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"
	se "wuyrush.io/snap/errors"
)

// Stager stages raw uploads on local disk until the background phase picks them up
type Stager struct {
	Dir string
}

// Stage streams r into a uniquely named staging file and returns its path. r yielding more than max bytes
// fails with ErrCodeOversized and leaves nothing behind
func (s *Stager) Stage(r io.Reader, max int64) (string, int64, *se.Err) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", 0, se.NewServiceFailure("error preparing staging area").WithCause(err)
	}
	path := filepath.Join(s.Dir, ksuid.New().String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, se.NewServiceFailure("error allocating staging file").WithCause(err)
	}
	n, cerr := io.Copy(f, NewLimitReader(r, max))
	if err := f.Close(); cerr == nil {
		cerr = err
	}
	if cerr != nil {
		os.Remove(path)
		if v, ok := cerr.(*se.Err); ok && v.Code == se.ErrCodeOversized {
			return "", 0, v.WithMsg("media oversized")
		}
		return "", 0, se.NewBadInput("error reading media").WithCause(cerr)
	}
	if n == 0 {
		os.Remove(path)
		return "", 0, se.NewBadInput("media is empty")
	}
	return path, n, nil
}

// Release deletes the staging file. It is safe to call on released files
func (s *Stager) Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LimitReader dedicates to detecting oversized data
type LimitReader struct {
	R io.Reader // underlying reader
	n int64     // max bytes remaining
}

func NewLimitReader(r io.Reader, max int64) *LimitReader {
	// idea: try reading one more byte above given limit from given reader. If there is no more data left from r
	// then r shall return (0, io.EOF), otherwise it can return more bytes and potentially a non-nil error. We
	// take the risk of rejecting a legit request when the last read attempt returns non-io.EOF error.
	// skip overflow check since we won't read such huge amount of data in practice
	return &LimitReader{R: r, n: max + 1}
}

func (r *LimitReader) Read(p []byte) (n int, err error) {
	// tweak based on io.LimitReader.Read
	if int64(len(p)) > r.n {
		p = p[0:r.n]
	}
	n, err = r.R.Read(p)
	r.n -= int64(n)
	if r.n <= 0 {
		return 0, se.NewOversized()
	}
	return
}
