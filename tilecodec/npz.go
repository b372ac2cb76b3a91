package tilecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/prl900/tilebot/rastreader"
)

const (
	npzData = "data.npy"
	npzMask = "mask.npy"
)

// Fixed member timestamps keep payloads byte for byte reproducible.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// NPZ writes a numpy .npz archive holding data.npy as float32
// (bands, height, width) and mask.npy as uint8 (height, width).
type NPZ struct{}

func (NPZ) Name() string        { return "npz" }
func (NPZ) Ext() string         { return ".npz" }
func (NPZ) ContentType() string { return "application/octet-stream" }

func (NPZ) Encode(img *rastreader.ImageData) ([]byte, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	members := []struct {
		name string
		body []byte
	}{
		{npzData, encodeFloat32("<f4", img.Data, img.Bands, img.Height, img.Width)},
		{npzMask, encodeUint8("|u1", img.Mask, img.Height, img.Width)},
	}
	for _, m := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     m.name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating %s: %w", m.name, err)
		}
		if _, err := w.Write(m.body); err != nil {
			return nil, fmt.Errorf("error writing %s: %w", m.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("error closing npz archive: %w", err)
	}
	return buf.Bytes(), nil
}

func (NPZ) Decode(data []byte) (*rastreader.ImageData, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("error opening npz archive: %w", err)
	}
	members := map[string][]byte{}
	for _, f := range zr.File {
		if f.Name != npzData && f.Name != npzMask {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("error opening %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", f.Name, err)
		}
		members[f.Name] = body
	}
	for _, name := range []string{npzData, npzMask} {
		if _, ok := members[name]; !ok {
			return nil, fmt.Errorf("npz archive has no %s", name)
		}
	}

	descr, shape, body, err := parseNpy(members[npzData])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", npzData, err)
	}
	if descr != "<f4" || len(shape) != 3 {
		return nil, fmt.Errorf("%s: expected 3d <f4 array, got %d-d %s", npzData, len(shape), descr)
	}
	if n, ok := byteSize(shape, 4); !ok || len(body) != n {
		return nil, fmt.Errorf("%s: body has %d bytes, does not fit shape %v", npzData, len(body), shape)
	}

	mdescr, mshape, mbody, err := parseNpy(members[npzMask])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", npzMask, err)
	}
	if mdescr != "|u1" || len(mshape) != 2 || mshape[0] != shape[1] || mshape[1] != shape[2] {
		return nil, fmt.Errorf("%s: expected |u1 array of shape (%d, %d), got %s %v", npzMask, shape[1], shape[2], mdescr, mshape)
	}
	if n, ok := byteSize(mshape, 1); !ok || len(mbody) != n {
		return nil, fmt.Errorf("%s: body has %d bytes, does not fit shape %v", npzMask, len(mbody), mshape)
	}

	img := rastreader.NewImageData(shape[0], shape[1], shape[2])
	for i := range img.Data {
		img.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
	}
	copy(img.Mask, mbody)
	return img, nil
}
