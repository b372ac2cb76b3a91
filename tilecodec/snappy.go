package tilecodec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/prl900/tilebot/rastreader"
)

var snpMagic = []byte("TBT1")

type snpHeader struct {
	DType     string `json:"dtype"`
	Shape     []int  `json:"shape"`
	MaskDType string `json:"mask_dtype"`
	MaskShape []int  `json:"mask_shape"`
}

// Snappy writes a snappy block holding the magic, a little endian uint32
// header length, a JSON header, then raw float32 data followed by the
// mask.
type Snappy struct{}

func (Snappy) Name() string        { return "snp" }
func (Snappy) Ext() string         { return ".snp" }
func (Snappy) ContentType() string { return "application/octet-stream" }

func (Snappy) Encode(img *rastreader.ImageData) ([]byte, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}
	hdr, err := json.Marshal(snpHeader{
		DType:     "float32",
		Shape:     []int{img.Bands, img.Height, img.Width},
		MaskDType: "uint8",
		MaskShape: []int{img.Height, img.Width},
	})
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, len(snpMagic)+4+len(hdr)+4*len(img.Data)+len(img.Mask))
	raw = append(raw, snpMagic...)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(hdr)))
	raw = append(raw, hdr...)
	for _, v := range img.Data {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	raw = append(raw, img.Mask...)
	return snappy.Encode(nil, raw), nil
}

func (Snappy) Decode(data []byte) (*rastreader.ImageData, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("error decompressing snp payload: %w", err)
	}
	if len(raw) < len(snpMagic)+4 || !bytes.Equal(raw[:len(snpMagic)], snpMagic) {
		return nil, fmt.Errorf("not a snp payload")
	}
	raw = raw[len(snpMagic):]
	n := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	if len(raw) < n {
		return nil, fmt.Errorf("truncated snp header")
	}

	var hdr snpHeader
	if err := json.Unmarshal(raw[:n], &hdr); err != nil {
		return nil, fmt.Errorf("invalid snp header: %w", err)
	}
	raw = raw[n:]
	if hdr.DType != "float32" || len(hdr.Shape) != 3 || hdr.MaskDType != "uint8" || len(hdr.MaskShape) != 2 {
		return nil, fmt.Errorf("unsupported snp layout %s%v %s%v", hdr.DType, hdr.Shape, hdr.MaskDType, hdr.MaskShape)
	}
	if hdr.MaskShape[0] != hdr.Shape[1] || hdr.MaskShape[1] != hdr.Shape[2] {
		return nil, fmt.Errorf("snp mask shape %v does not match data shape %v", hdr.MaskShape, hdr.Shape)
	}
	dataLen, ok := byteSize(hdr.Shape, 4)
	if !ok {
		return nil, fmt.Errorf("invalid snp shape %v", hdr.Shape)
	}
	maskLen, ok := byteSize(hdr.MaskShape, 1)
	if !ok || len(raw) != dataLen+maskLen {
		return nil, fmt.Errorf("snp body has %d bytes, does not fit shape %v", len(raw), hdr.Shape)
	}

	img := rastreader.NewImageData(hdr.Shape[0], hdr.Shape[1], hdr.Shape[2])
	for i := range img.Data {
		img.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	copy(img.Mask, raw[4*len(img.Data):])
	return img, nil
}
