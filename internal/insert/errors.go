package insert

// Error is a decode failure surfaced while assigning a batch to pools. The
// codes are negative so a caller holding a point count can never mistake one
// for a valid result.
type Error int

const (
	ErrExpectingArray Error = -(iota + 1)
	ErrExpectingSeriesName
	ErrExpectingMapOrArray
	ErrExpectingIntegerTs
	ErrTimestampOutOfRange
	ErrUnsupportedValue
	ErrExpectingAtLeastOnePoint
	ErrExpectingNameAndPoints
	ErrMemAlloc
)

func (e Error) Error() string {
	switch e {
	case ErrExpectingArray:
		return "Expecting an array with points."
	case ErrExpectingSeriesName:
		return "Expecting a series name (string value) with an array of " +
			"points where each point should be an integer time-stamp with a value."
	case ErrExpectingMapOrArray:
		return "Expecting an array or map containing series and points."
	case ErrExpectingIntegerTs:
		return "Expecting an integer value as time-stamp."
	case ErrTimestampOutOfRange:
		return "Received at least one time-stamp which is out-of-range."
	case ErrUnsupportedValue:
		return "Unsupported value received. (only integer, string and float values are supported)."
	case ErrExpectingAtLeastOnePoint:
		return "Expecting a series to have at least one point."
	case ErrExpectingNameAndPoints:
		return "Expecting a map with name and points."
	case ErrMemAlloc:
		return "Critical memory allocation error"
	default:
		return "Unknown insert error"
	}
}
