// Package media encodes user-supplied images for embedding in messages and
// analysis requests.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vango-go/plantassist/pkg/core/types"
)

// MaxImageBytes bounds an attachment.
const MaxImageBytes = 20 << 20

// ErrNotImage is returned when the payload is not a recognized image type.
var ErrNotImage = errors.New("media: not an image")

// ErrTooLarge is returned when the payload exceeds MaxImageBytes.
var ErrTooLarge = errors.New("media: image too large")

// Source is an attachment waiting to be encoded.
type Source struct {
	Name string
	// Size is the declared length used for progress; zero disables
	// intermediate progress.
	Size   int64
	Reader io.Reader
	// MIMEType overrides sniffing when set.
	MIMEType string
}

// FromFile opens path as a Source. The caller closes the returned closer.
func FromFile(path string) (Source, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Source{}, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return Source{}, nil, err
	}
	return Source{
		Name:     filepath.Base(path),
		Size:     st.Size(),
		Reader:   f,
		MIMEType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
	}, f, nil
}

// FromBytes wraps an in-memory payload.
func FromBytes(name string, data []byte) Source {
	return Source{Name: name, Size: int64(len(data)), Reader: bytes.NewReader(data)}
}

// Image is an encoded attachment.
type Image struct {
	MIMEType string
	Data     []byte
	Base64   string
}

// DataURL renders the image for storage in a message.
func (i Image) DataURL() string {
	return types.ImageDataURL(i.MIMEType, i.Base64)
}

// Progress receives the percentage read so far, 0 to 100.
type Progress func(percent int)

// Encode reads src fully, reporting progress, and returns its base64 form.
// The MIME type is sniffed from content unless src declares an image type.
func Encode(ctx context.Context, src Source, progress Progress) (Image, error) {
	if src.Reader == nil {
		return Image{}, errors.New("media: nil reader")
	}
	if progress == nil {
		progress = func(int) {}
	}
	progress(0)

	cr := &countingReader{ctx: ctx, r: io.LimitReader(src.Reader, MaxImageBytes+1), total: src.Size, progress: progress}
	data, err := io.ReadAll(cr)
	if err != nil {
		return Image{}, fmt.Errorf("media: read %s: %w", src.Name, err)
	}
	if len(data) > MaxImageBytes {
		return Image{}, ErrTooLarge
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("media: %s is empty", src.Name)
	}

	mt := strings.TrimSpace(src.MIMEType)
	if !strings.HasPrefix(mt, "image/") {
		mt = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if !strings.HasPrefix(mt, "image/") {
		return Image{}, fmt.Errorf("%w: %s", ErrNotImage, mt)
	}

	progress(100)
	return Image{
		MIMEType: mt,
		Data:     data,
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

type countingReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	read     int64
	last     int
	progress Progress
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.total > 0 {
		pct := int(c.read * 100 / c.total)
		if pct > 99 {
			pct = 99
		}
		if pct > c.last {
			c.last = pct
			c.progress(pct)
		}
	}
	return n, err
}
