package dtypes

// DType is an enum represents the data type of a tensor element or of a scalar in a fusion definition.
//
// The values follow the PJRT buffer type numbering used by the rest of the GoMLX ecosystem, so
// dtypes can be exchanged with it, but only the subset the fusion executor handles is defined.
type DType int32

const (
	// InvalidDType is the zero value. Fusion reductions take it as "keep the input dtype",
	// playing the role of a Null dtype.
	InvalidDType DType = 0

	// Bool holds two-state predicates.
	Bool DType = 1

	// Int32 is a signed 32 bits integer.
	Int32 DType = 4

	// Int64 is a signed 64 bits integer. Symbolic sizes and vectors use it.
	Int64 DType = 5

	// Float16 is the IEEE 754 half-precision format.
	Float16 DType = 10

	// Float32 is the IEEE 754 single-precision format.
	Float32 DType = 11

	// Float64 is the IEEE 754 double-precision format.
	Float64 DType = 12

	// BFloat16 is the truncated 16 bits floating-point format: 1 bit for the sign, 8 bits for the exponent
	// and 7 bits for the mantissa.
	BFloat16 DType = 13
)

// Short aliases.
const (
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
	S32  = Int32
	S64  = Int64
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Null":         InvalidDType,
	"Bool":         Bool,
	"PRED":         Bool,
	"Int32":        Int32,
	"S32":          Int32,
	"Int":          Int64,
	"Int64":        Int64,
	"S64":          Int64,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float":        Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"Double":       Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int32:        "Int32",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}
