// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"math"

	"github.com/gomlx/timvx/internal/workerspool"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// loader returns a function reading the i-th element of data as float64.
func loader(dtype dtypes.DType, data []byte) (func(i int) float64, error) {
	switch dtype {
	case dtypes.Int8:
		return loadAs(flat[int8](data)), nil
	case dtypes.Uint8, dtypes.Bool8:
		return loadAs(flat[uint8](data)), nil
	case dtypes.Int16:
		return loadAs(flat[int16](data)), nil
	case dtypes.Uint16:
		return loadAs(flat[uint16](data)), nil
	case dtypes.Int32:
		return loadAs(flat[int32](data)), nil
	case dtypes.Uint32:
		return loadAs(flat[uint32](data)), nil
	case dtypes.Int64:
		return loadAs(flat[int64](data)), nil
	case dtypes.Float16:
		values := flat[float16.Float16](data)
		return func(i int) float64 { return float64(values[i].Float32()) }, nil
	case dtypes.Float32:
		return loadAs(flat[float32](data)), nil
	}
	return nil, errors.Errorf("DataConvert from %s not implemented", dtype)
}

func loadAs[T number](values []T) func(i int) float64 {
	return func(i int) float64 { return float64(values[i]) }
}

// storer returns a function writing the i-th element of data from a float64.
// Integers are rounded to nearest and saturated to their range.
func storer(dtype dtypes.DType, data []byte) (func(i int, v float64), error) {
	switch dtype {
	case dtypes.Int8:
		return storeInt(flat[int8](data), math.MinInt8, math.MaxInt8), nil
	case dtypes.Uint8:
		return storeInt(flat[uint8](data), 0, math.MaxUint8), nil
	case dtypes.Int16:
		return storeInt(flat[int16](data), math.MinInt16, math.MaxInt16), nil
	case dtypes.Uint16:
		return storeInt(flat[uint16](data), 0, math.MaxUint16), nil
	case dtypes.Int32:
		return storeInt(flat[int32](data), math.MinInt32, math.MaxInt32), nil
	case dtypes.Uint32:
		return storeInt(flat[uint32](data), 0, math.MaxUint32), nil
	case dtypes.Int64:
		return storeInt(flat[int64](data), math.MinInt64, math.MaxInt64), nil
	case dtypes.Float16:
		values := flat[float16.Float16](data)
		return func(i int, v float64) { values[i] = float16.Fromfloat32(float32(v)) }, nil
	case dtypes.Float32:
		values := flat[float32](data)
		return func(i int, v float64) { values[i] = float32(v) }, nil
	case dtypes.Bool8:
		values := flat[uint8](data)
		return func(i int, v float64) {
			if v != 0 {
				values[i] = 1
			} else {
				values[i] = 0
			}
		}, nil
	}
	return nil, errors.Errorf("DataConvert to %s not implemented", dtype)
}

func storeInt[T constraints.Integer](values []T, lowest, highest T) func(i int, v float64) {
	return func(i int, v float64) {
		switch {
		case math.IsNaN(v):
			values[i] = 0
		case v <= float64(lowest):
			values[i] = lowest
		case v >= float64(highest):
			values[i] = highest
		default:
			values[i] = T(math.RoundToEven(v))
		}
	}
}

// execDataConvert converts every element of operand (of fromDType) into out (of toDType).
func execDataConvert(pool *workerspool.Pool, fromDType, toDType dtypes.DType, operand, out []byte) error {
	if fromDType == toDType {
		copy(out, operand)
		return nil
	}
	load, err := loader(fromDType, operand)
	if err != nil {
		return err
	}
	store, err := storer(toDType, out)
	if err != nil {
		return err
	}
	pool.ParallelFor(len(out)/toDType.Size(), func(start, end int) {
		for i := start; i < end; i++ {
			store(i, load(i))
		}
	})
	return nil
}
