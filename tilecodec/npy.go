package tilecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

const npyAlign = 64

// npyHeader renders a version 1.0 .npy header for a C ordered array,
// padded so the data starts on a 64 byte boundary.
func npyHeader(descr string, shape ...int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, tuple)

	// magic, version and header length take 10 bytes; the dict ends in '\n'.
	n := len(dict) + 1
	pad := (npyAlign - (10+n)%npyAlign) % npyAlign
	dict += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	return buf.Bytes()
}

func encodeFloat32(descr string, values []float32, shape ...int) []byte {
	hdr := npyHeader(descr, shape...)
	out := make([]byte, len(hdr)+4*len(values))
	copy(out, hdr)
	body := out[len(hdr):]
	for i, v := range values {
		binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(v))
	}
	return out
}

func encodeUint8(descr string, values []uint8, shape ...int) []byte {
	hdr := npyHeader(descr, shape...)
	return append(hdr, values...)
}

// parseNpy returns the dtype descriptor, shape and raw body of an .npy
// file. Only C ordered version 1.x and 2.x files are accepted.
func parseNpy(data []byte) (string, []int, []byte, error) {
	if len(data) < 10 || !bytes.Equal(data[:6], npyMagic) {
		return "", nil, nil, fmt.Errorf("not an npy array")
	}
	var hlen, start int
	switch data[6] {
	case 1:
		hlen, start = int(binary.LittleEndian.Uint16(data[8:10])), 10
	case 2:
		if len(data) < 12 {
			return "", nil, nil, fmt.Errorf("truncated npy header")
		}
		hlen, start = int(binary.LittleEndian.Uint32(data[8:12])), 12
	default:
		return "", nil, nil, fmt.Errorf("unsupported npy version %d", data[6])
	}
	if len(data) < start+hlen {
		return "", nil, nil, fmt.Errorf("truncated npy header")
	}
	dict := string(data[start : start+hlen])

	if strings.Contains(dict, "'fortran_order': True") {
		return "", nil, nil, fmt.Errorf("fortran ordered arrays are not supported")
	}
	descr, err := dictValue(dict, "'descr': '", "'")
	if err != nil {
		return "", nil, nil, err
	}
	tuple, err := dictValue(dict, "'shape': (", ")")
	if err != nil {
		return "", nil, nil, err
	}
	var shape []int
	for _, f := range strings.Split(tuple, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		d, err := strconv.Atoi(f)
		if err != nil || d < 0 {
			return "", nil, nil, fmt.Errorf("invalid npy shape (%s)", tuple)
		}
		shape = append(shape, d)
	}
	return descr, shape, data[start+hlen:], nil
}

func dictValue(dict, prefix, end string) (string, error) {
	i := strings.Index(dict, prefix)
	if i < 0 {
		return "", fmt.Errorf("npy header has no %s", strings.TrimSpace(prefix))
	}
	rest := dict[i+len(prefix):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", fmt.Errorf("malformed npy header")
	}
	return rest[:j], nil
}

// byteSize returns the byte length of an array of shape with elem byte
// items, or false when a dimension is negative or the product overflows.
func byteSize(shape []int, elem int) (int, bool) {
	n := elem
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}
