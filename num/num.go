// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Fill array with a scalar value
func Fill(a *Array, scalar float32) {
	for i := range a.Data {
		a.Data[i] = scalar
	}
}

// Copy from src to dst, arrays must have the same number of elements.
func Copy(dst, src *Array) {
	if dst.Size() != src.Size() {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", src.dims, dst.dims))
	}
	copy(dst.Data, src.Data)
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x *Array) {
	blas32.Scal(alpha, vector(x))
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y *Array) {
	if !SameShape(x.dims, y.dims) {
		panic(fmt.Sprintf("Axpy: arrays must be same shape: %v %v", x.dims, y.dims))
	}
	blas32.Axpy(alpha, vector(x), vector(y))
}

// Element wise addition: z <- x + y
func Add(x, y, z *Array) {
	if !SameShape(x.dims, y.dims) || !SameShape(x.dims, z.dims) {
		panic(fmt.Sprintf("Add: arrays must be same shape: %v %v %v", x.dims, y.dims, z.dims))
	}
	for i, v := range x.Data {
		z.Data[i] = v + y.Data[i]
	}
}

// Sum of the values in the array, accumulated in double precision.
func Sum(a *Array) float64 {
	total := 0.0
	for _, v := range a.Data {
		total += float64(v)
	}
	return total
}

// SumSquares returns the sum of the squared values of one or more arrays.
func SumSquares(arr ...*Array) float64 {
	total := 0.0
	for _, a := range arr {
		if a.Size() == 0 {
			continue
		}
		n := float64(blas32.Nrm2(vector(a)))
		total += n * n
	}
	return total
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC *Array, aTrans, bTrans TransType) {
	adim, bdim, cdim := mA.dims, mB.dims, mC.dims
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	if m == 0 || n == 0 || k == 0 {
		if beta != 1 {
			Scale(beta, mC)
		}
		return
	}
	blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha, general(mA), general(mB), beta, general(mC))
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y *Array) {
	unary(x, y, Sigm)
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y *Array) {
	unary(x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// ReluD sets y to the gradient grad masked by x > 0.
func ReluD(x, grad, y *Array) {
	if !SameShape(x.dims, grad.dims) || !SameShape(x.dims, y.dims) {
		panic("ReluD: arrays must be same shape")
	}
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = grad.Data[i]
		} else {
			y.Data[i] = 0
		}
	}
}

// Sigm is the logistic function evaluated without overflow for large |x|.
func Sigm(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}

// SafeDiv returns x/y or zero if y is zero.
func SafeDiv(x, y float64) float64 {
	if y == 0 {
		return 0
	}
	return x / y
}

func unary(x, y *Array, fn func(float32) float32) {
	if !SameShape(x.dims, y.dims) {
		panic("UnaryFunc: arrays must be same shape")
	}
	for i, v := range x.Data {
		y.Data[i] = fn(v)
	}
}

func vector(a *Array) blas32.Vector {
	return blas32.Vector{N: len(a.Data), Data: a.Data, Inc: 1}
}

func general(a *Array) blas32.General {
	return blas32.General{Rows: a.dims[0], Cols: a.dims[1], Data: a.Data, Stride: a.dims[1]}
}
