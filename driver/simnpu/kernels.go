// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simnpu

import (
	"math"
	"unsafe"

	"github.com/gomlx/timvx/driver"
	"github.com/gomlx/timvx/internal/workerspool"
	"github.com/gomlx/timvx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

// flat reinterprets a tensor buffer as a slice of T.
func flat[T number](data []byte) []T {
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}

// broadcastIndex returns the index to read for the i-th output element from an operand of length n.
// Operands of length 1 are broadcast.
func broadcastIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	return i
}

func binaryLoop[T number](pool *workerspool.Pool, lhs, rhs, out []T, fn func(x, y T) T) {
	pool.ParallelFor(len(out), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = fn(lhs[broadcastIndex(i, len(lhs))], rhs[broadcastIndex(i, len(rhs))])
		}
	})
}

func unaryLoop[T number](pool *workerspool.Pool, operand, out []T, fn func(x T) T) {
	pool.ParallelFor(len(out), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = fn(operand[i])
		}
	})
}

func intBinaryFn[T constraints.Integer](op driver.OpType) func(x, y T) T {
	switch op {
	case driver.OpTypeAdd:
		return func(x, y T) T { return x + y }
	case driver.OpTypeSub:
		return func(x, y T) T { return x - y }
	case driver.OpTypeMultiply:
		return func(x, y T) T { return x * y }
	case driver.OpTypeDiv:
		return func(x, y T) T {
			if y == 0 {
				return 0
			}
			return x / y
		}
	case driver.OpTypeMaximum:
		return func(x, y T) T { return max(x, y) }
	case driver.OpTypeMinimum:
		return func(x, y T) T { return min(x, y) }
	}
	return nil
}

func floatBinaryFn[T constraints.Float](op driver.OpType) func(x, y T) T {
	switch op {
	case driver.OpTypeAdd:
		return func(x, y T) T { return x + y }
	case driver.OpTypeSub:
		return func(x, y T) T { return x - y }
	case driver.OpTypeMultiply:
		return func(x, y T) T { return x * y }
	case driver.OpTypeDiv:
		return func(x, y T) T { return x / y }
	case driver.OpTypeMaximum:
		return func(x, y T) T { return max(x, y) }
	case driver.OpTypeMinimum:
		return func(x, y T) T { return min(x, y) }
	}
	return nil
}

func intUnaryFn[T constraints.Integer](op driver.OpType) func(x T) T {
	switch op {
	case driver.OpTypeRelu:
		return func(x T) T { return max(x, 0) }
	case driver.OpTypeAbs:
		return func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}
	case driver.OpTypeNeg:
		return func(x T) T { return -x }
	case driver.OpTypeSquare:
		return func(x T) T { return x * x }
	}
	return nil
}

func floatUnaryFn[T constraints.Float](op driver.OpType) func(x T) T {
	switch op {
	case driver.OpTypeRelu:
		return func(x T) T { return max(x, 0) }
	case driver.OpTypeSigmoid:
		return func(x T) T { return T(1 / (1 + math.Exp(-float64(x)))) }
	case driver.OpTypeTanh:
		return func(x T) T { return T(math.Tanh(float64(x))) }
	case driver.OpTypeAbs:
		return func(x T) T { return T(math.Abs(float64(x))) }
	case driver.OpTypeNeg:
		return func(x T) T { return -x }
	case driver.OpTypeSquare:
		return func(x T) T { return x * x }
	}
	return nil
}

func execIntBinary[T constraints.Integer](pool *workerspool.Pool, op driver.OpType, lhs, rhs, out []byte) {
	binaryLoop(pool, flat[T](lhs), flat[T](rhs), flat[T](out), intBinaryFn[T](op))
}

func execIntUnary[T constraints.Integer](pool *workerspool.Pool, op driver.OpType, operand, out []byte) {
	unaryLoop(pool, flat[T](operand), flat[T](out), intUnaryFn[T](op))
}

// execFloat16Binary computes in float32 and rounds the results to float16.
func execFloat16Binary(pool *workerspool.Pool, op driver.OpType, lhs, rhs, out []byte) {
	fn := floatBinaryFn[float32](op)
	binaryLoop(pool, flat[float16.Float16](lhs), flat[float16.Float16](rhs), flat[float16.Float16](out),
		func(x, y float16.Float16) float16.Float16 {
			return float16.Fromfloat32(fn(x.Float32(), y.Float32()))
		})
}

func execFloat16Unary(pool *workerspool.Pool, op driver.OpType, operand, out []byte) {
	fn := floatUnaryFn[float32](op)
	unaryLoop(pool, flat[float16.Float16](operand), flat[float16.Float16](out),
		func(x float16.Float16) float16.Float16 {
			return float16.Fromfloat32(fn(x.Float32()))
		})
}

func toBool(v uint8) uint8 {
	if v != 0 {
		return 1
	}
	return 0
}

// execBoolBinary implements Maximum (logical or) and Minimum (logical and) for Bool8.
func execBoolBinary(pool *workerspool.Pool, op driver.OpType, lhs, rhs, out []byte) {
	if op == driver.OpTypeMaximum {
		binaryLoop(pool, lhs, rhs, out, func(x, y uint8) uint8 { return toBool(x | y) })
	} else {
		binaryLoop(pool, lhs, rhs, out, func(x, y uint8) uint8 { return toBool(x) & toBool(y) })
	}
}

// relaxFloat32 rounds float32 values to float16 precision, the trade-off of relax mode.
func relaxFloat32(pool *workerspool.Pool, data []byte) {
	values := flat[float32](data)
	unaryLoop(pool, values, values, func(x float32) float32 {
		return float16.Fromfloat32(x).Float32()
	})
}

func execBinary(pool *workerspool.Pool, op driver.OpType, dtype dtypes.DType, relax bool, lhs, rhs, out []byte) error {
	switch dtype {
	case dtypes.Int8:
		execIntBinary[int8](pool, op, lhs, rhs, out)
	case dtypes.Uint8:
		execIntBinary[uint8](pool, op, lhs, rhs, out)
	case dtypes.Int16:
		execIntBinary[int16](pool, op, lhs, rhs, out)
	case dtypes.Uint16:
		execIntBinary[uint16](pool, op, lhs, rhs, out)
	case dtypes.Int32:
		execIntBinary[int32](pool, op, lhs, rhs, out)
	case dtypes.Uint32:
		execIntBinary[uint32](pool, op, lhs, rhs, out)
	case dtypes.Int64:
		execIntBinary[int64](pool, op, lhs, rhs, out)
	case dtypes.Float16:
		execFloat16Binary(pool, op, lhs, rhs, out)
	case dtypes.Float32:
		binaryLoop(pool, flat[float32](lhs), flat[float32](rhs), flat[float32](out), floatBinaryFn[float32](op))
		if relax {
			relaxFloat32(pool, out)
		}
	case dtypes.Bool8:
		execBoolBinary(pool, op, lhs, rhs, out)
	default:
		return errors.Errorf("%s not implemented for dtype %s", op, dtype)
	}
	return nil
}

func execUnary(pool *workerspool.Pool, op driver.OpType, dtype dtypes.DType, relax bool, operand, out []byte) error {
	switch dtype {
	case dtypes.Int8:
		execIntUnary[int8](pool, op, operand, out)
	case dtypes.Uint8:
		execIntUnary[uint8](pool, op, operand, out)
	case dtypes.Int16:
		execIntUnary[int16](pool, op, operand, out)
	case dtypes.Uint16:
		execIntUnary[uint16](pool, op, operand, out)
	case dtypes.Int32:
		execIntUnary[int32](pool, op, operand, out)
	case dtypes.Uint32:
		execIntUnary[uint32](pool, op, operand, out)
	case dtypes.Int64:
		execIntUnary[int64](pool, op, operand, out)
	case dtypes.Float16:
		execFloat16Unary(pool, op, operand, out)
	case dtypes.Float32:
		unaryLoop(pool, flat[float32](operand), flat[float32](out), floatUnaryFn[float32](op))
		if relax {
			relaxFloat32(pool, out)
		}
	default:
		return errors.Errorf("%s not implemented for dtype %s", op, dtype)
	}
	return nil
}
