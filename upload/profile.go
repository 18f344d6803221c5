package upload

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/viper"
	cst "wuyrush.io/snap/constants"
	md "wuyrush.io/snap/models"
)

// Encoder turns staged media into the form saved to blob store
type Encoder interface {
	// Ext returns the file extension of the media Encode produces out of media of the given content type
	Ext(contentType string) string
	Encode(ctx context.Context, src io.Reader, contentType string, dst io.Writer) error
}

// Profile decides how media of one kind is encoded and how long its upload may take
type Profile struct {
	Timeout time.Duration
	Encoder Encoder
}

// Profiles is the strategy table of upload profiles keyed by media kind. Supporting a new media kind takes
// a new entry only
type Profiles map[md.MediaKind]*Profile

// DefaultProfiles builds the upload profiles from viper configuration
func DefaultProfiles() Profiles {
	return Profiles{
		md.MediaKindImage: {
			Timeout: viper.GetDuration(cst.EnvImageUploadTimeout),
			Encoder: &ImageEncoder{
				MaxEdge: viper.GetInt(cst.EnvImageMaxEdgePx),
				Quality: viper.GetInt(cst.EnvImageQuality),
			},
		},
		md.MediaKindVideo: {
			Timeout: viper.GetDuration(cst.EnvVideoUploadTimeout),
			Encoder: &VideoEncoder{ChunkSize: viper.GetInt(cst.EnvVideoChunkSizeByte)},
		},
	}
}

// ImageEncoder fits images within a MaxEdge x MaxEdge bound. PNG stays PNG to keep transparency, anything
// else becomes JPEG of the given quality
type ImageEncoder struct {
	MaxEdge int
	Quality int
}

func (e *ImageEncoder) Ext(contentType string) string {
	if e.format(contentType) == imaging.PNG {
		return ".png"
	}
	return ".jpg"
}

func (e *ImageEncoder) Encode(ctx context.Context, src io.Reader, contentType string, dst io.Writer) error {
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("error decoding image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.MaxEdge > 0 {
		img = imaging.Fit(img, e.MaxEdge, e.MaxEdge, imaging.Lanczos)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.encode(dst, img, contentType)
}

func (e *ImageEncoder) encode(dst io.Writer, img image.Image, contentType string) error {
	format := e.format(contentType)
	opts := []imaging.EncodeOption{}
	if format == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(e.Quality))
	}
	if err := imaging.Encode(dst, img, format, opts...); err != nil {
		return fmt.Errorf("error encoding image: %w", err)
	}
	return nil
}

func (e *ImageEncoder) format(contentType string) imaging.Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "image/png" {
		return imaging.PNG
	}
	return imaging.JPEG
}

// VideoEncoder passes video through as is, in chunks of ChunkSize bytes
type VideoEncoder struct {
	ChunkSize int
}

func (e *VideoEncoder) Ext(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mt {
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if i := strings.Index(mt, "/"); i >= 0 && i+1 < len(mt) {
		return "." + mt[i+1:]
	}
	return ".bin"
}

func (e *VideoEncoder) Encode(ctx context.Context, src io.Reader, _ string, dst io.Writer) error {
	size := e.ChunkSize
	if size <= 0 {
		size = 1 << 20
	}
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
