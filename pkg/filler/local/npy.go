package local

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensci/runcat/pkg/ndarray"
)

var npyMagic = []byte("\x93NUMPY")

var headerDescrRE = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
var headerShapeRE = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)

// DecodeNPY parses the minimal subset of the .npy format (version 1.0
// and 2.0 headers, C-contiguous, non-structured dtypes) this domain
// needs: a dense array of float64, int64, or bool.
func DecodeNPY(raw []byte) (*ndarray.Array, error) {
	if len(raw) < 10 || string(raw[:6]) != string(npyMagic) {
		return nil, fmt.Errorf("local filler: not an NPY file (bad magic)")
	}
	major := raw[6]

	var headerLen int
	var headerStart int
	if major == 1 {
		headerLen = int(binary.LittleEndian.Uint16(raw[8:10]))
		headerStart = 10
	} else {
		headerLen = int(binary.LittleEndian.Uint32(raw[8:12]))
		headerStart = 12
	}
	header := string(raw[headerStart : headerStart+headerLen])
	data := raw[headerStart+headerLen:]

	descrMatch := headerDescrRE.FindStringSubmatch(header)
	if descrMatch == nil {
		return nil, fmt.Errorf("local filler: NPY header missing descr")
	}
	shapeMatch := headerShapeRE.FindStringSubmatch(header)
	if shapeMatch == nil {
		return nil, fmt.Errorf("local filler: NPY header missing shape")
	}

	shape, err := parseShape(shapeMatch[1])
	if err != nil {
		return nil, err
	}

	dtype, itemsize, err := dtypeFromDescr(descrMatch[1])
	if err != nil {
		return nil, err
	}

	arr, err := ndarray.NewArray(nil, dtype, shape, nil)
	if err != nil {
		return nil, err
	}

	n := arr.Len()
	for i := int64(0); i < n; i++ {
		off := i * int64(itemsize)
		if off+int64(itemsize) > int64(len(data)) {
			return nil, fmt.Errorf("local filler: NPY payload shorter than declared shape")
		}
		switch dtype {
		case ndarray.Float64:
			arr.SetFloat64(i, math.Float64frombits(binary.LittleEndian.Uint64(data[off:])))
		case ndarray.Int64:
			arr.SetInt64(i, int64(binary.LittleEndian.Uint64(data[off:])))
		case ndarray.Bool:
			arr.SetBool(i, data[off] != 0)
		}
	}

	return arr, nil
}

func parseShape(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	var shape []int64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("local filler: invalid shape element %q: %w", p, err)
		}
		shape = append(shape, n)
	}
	if len(shape) == 0 {
		shape = []int64{1}
	}
	return shape, nil
}

func dtypeFromDescr(descr string) (ndarray.Dtype, int, error) {
	switch descr {
	case "<f8", "=f8", "float64":
		return ndarray.Float64, 8, nil
	case "<i8", "=i8", "int64":
		return ndarray.Int64, 8, nil
	case "|b1", "bool":
		return ndarray.Bool, 1, nil
	default:
		return "", 0, fmt.Errorf("local filler: unsupported NPY dtype %q", descr)
	}
}
