package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one labeled CSI recording decoded from a shard.
type Sample struct {
	Key      string
	Features []float64
	Label    int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ShardOptions controls shard decoding.
type ShardOptions struct {
	PendingCap int
	// Grid is the heat-map sampling grid side; 0 means DefaultGrid.
	Grid int
}

// StreamShard streams paired samples from the shard at path. A sample is a
// `<key>.csi` (raw float32) or `<key>.png|.jpg|.jpeg` (heat map) payload
// plus a `<key>.cls` integer label.
func StreamShard(ctx context.Context, path string, opts ShardOptions) (<-chan Sample, <-chan error) {
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			switch ext {
			case ".csi", ".png", ".jpg", ".jpeg":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read payload %s: %w", name, err)
					return
				}
				var features []float64
				if ext == ".csi" {
					features, err = DecodeCSI(data)
				} else {
					features, err = HeatmapFeatures(data, opts.Grid)
				}
				if err != nil {
					errCh <- fmt.Errorf("decode %s: %w", name, err)
					return
				}
				pendingFor(pending, key).features = features
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- fmt.Errorf("read label %s: %w", name, err)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- fmt.Errorf("parse label %s: %w", name, err)
					return
				}
				pendingFor(pending, key).label = &label
			default:
				// ignore unknown extension
				continue
			}

			if len(pending) > opts.PendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{Key: key, Features: part.features, Label: *part.label}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	features []float64
	label    *int
}

func (p *partial) ready() bool {
	return len(p.features) > 0 && p.label != nil
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

// WriteShard writes samples as `.csi`/`.cls` pairs into a tar shard.
func WriteShard(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	bw := bufio.NewWriter(f)
	tw := tar.NewWriter(bw)
	for _, s := range samples {
		if err := addEntry(tw, s.Key+".csi", EncodeCSI(s.Features)); err != nil {
			f.Close()
			return err
		}
		if err := addEntry(tw, s.Key+".cls", []byte(strconv.Itoa(s.Label))); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush shard: %w", err)
	}
	return f.Close()
}

func addEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
