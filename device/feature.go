package device

import (
	"fmt"
)

// Elem is a scalar element type a device may support
type Elem int32

const (
	ElemBool Elem = iota
	ElemI8
	ElemI32
	ElemI64
	ElemU8
	ElemU32
	ElemF16
	ElemBF16
	ElemF32
	ElemF64
)

var elemNames = map[Elem]string{
	ElemBool: "bool",
	ElemI8:   "i8",
	ElemI32:  "i32",
	ElemI64:  "i64",
	ElemU8:   "u8",
	ElemU32:  "u32",
	ElemF16:  "f16",
	ElemBF16: "bf16",
	ElemF32:  "f32",
	ElemF64:  "f64",
}

func (e Elem) String() string {
	name, ok := elemNames[e]
	if !ok {
		return fmt.Sprintf("Elem(%d)", int32(e))
	}
	return name
}

type FeatureKind int32

const (
	// FeaturePlane enables the basic warp/subgroup operations
	FeaturePlane FeatureKind = iota
	// FeatureCmma enables cooperative matrix multiply-accumulate for one shape and set of types
	FeatureCmma
	// FeatureCmmaWarpSize is the warp size cooperative matrix operations run with
	FeatureCmmaWarpSize
	// FeatureType marks an element type as usable in kernels
	FeatureType
	// FeatureTimestampQuery means the device can time work itself
	FeatureTimestampQuery
)

// Feature is one capability of a device. It is a comparable value so it can be used directly as
// a set member.
type Feature struct {
	Kind FeatureKind

	// Cooperative matrix operand types and shape
	A, B, C Elem
	M, K, N uint8

	WarpSize int32
	Elem     Elem
}

func PlaneFeature() Feature {
	return Feature{Kind: FeaturePlane}
}

func CmmaFeature(a, b, c Elem, m, k, n uint8) Feature {
	return Feature{Kind: FeatureCmma, A: a, B: b, C: c, M: m, K: k, N: n}
}

func CmmaWarpSizeFeature(warpSize int32) Feature {
	return Feature{Kind: FeatureCmmaWarpSize, WarpSize: warpSize}
}

func TypeFeature(elem Elem) Feature {
	return Feature{Kind: FeatureType, Elem: elem}
}

func TimestampQueryFeature() Feature {
	return Feature{Kind: FeatureTimestampQuery}
}

func (f Feature) String() string {
	switch f.Kind {
	case FeaturePlane:
		return "Plane"
	case FeatureCmma:
		return fmt.Sprintf("Cmma{a: %s, b: %s, c: %s, m: %d, k: %d, n: %d}", f.A, f.B, f.C, f.M, f.K, f.N)
	case FeatureCmmaWarpSize:
		return fmt.Sprintf("CmmaWarpSize(%d)", f.WarpSize)
	case FeatureType:
		return fmt.Sprintf("Type(%s)", f.Elem)
	case FeatureTimestampQuery:
		return "TimestampQuery"
	}
	return fmt.Sprintf("Feature(%d)", int32(f.Kind))
}
