package transport

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/roach88/geosync/internal/geo"
)

// BlobDownloader downloads blobs from the primary, optionally bounded to a
// number of bytes per second shared by all concurrent downloads.
type BlobDownloader struct {
	client  *Client
	limiter *rate.Limiter
}

// NewBlobDownloader creates a downloader. bytesPerSecond <= 0 disables
// limiting.
func NewBlobDownloader(client *Client, bytesPerSecond int) *BlobDownloader {
	d := &BlobDownloader{client: client}
	if bytesPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return d
}

// Download streams the blob of res into w.
func (d *BlobDownloader) Download(ctx context.Context, res geo.Resource, w io.Writer) error {
	path := "/api/geo/blobs/" + string(res.Type) + "/" + strconv.FormatInt(res.ID, 10)
	resp, err := d.client.get(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	defer resp.Body.Close()

	if d.limiter != nil {
		w = &limitWriter{ctx: ctx, rate: d.limiter, underlying: w}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", geo.ResourceKey(res.Type, res.ID), err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("download %s: short body: got %d of %d bytes", geo.ResourceKey(res.Type, res.ID), n, resp.ContentLength)
	}
	return nil
}

// limitWriter waits for rate tokens before each write. Writes larger than
// the burst are split so WaitN never exceeds it.
type limitWriter struct {
	ctx        context.Context
	rate       *rate.Limiter
	underlying io.Writer
}

func (w *limitWriter) Write(p []byte) (int, error) {
	written := 0
	burst := w.rate.Burst()
	for len(p) > 0 {
		chunk := min(len(p), burst)
		if err := w.rate.WaitN(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.underlying.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
