// Package units provides shared constants and validation for length units
package units

// Unit constants
const (
	Meters      = "m"
	Centimeters = "cm"
	Millimeters = "mm"
	Feet        = "ft"
	Inches      = "in"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Meters, Centimeters, Millimeters, Feet, Inches}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, cm, mm, ft, in"
}

// ConvertLength converts a length from meters to the target units.
// The engine stores all lengths in meters; display conversion happens at the edge.
func ConvertLength(meters float64, targetUnits string) float64 {
	switch targetUnits {
	case Centimeters:
		return meters * 100
	case Millimeters:
		return meters * 1000
	case Feet:
		return meters * 3.28084
	case Inches:
		return meters * 39.3701
	case Meters:
		return meters // no conversion needed
	default:
		return meters // default to meters if unknown unit
	}
}

// MetersToMillimeters is the conversion used by the scale-factor math, kept
// here so the constant lives in exactly one place.
func MetersToMillimeters(meters float64) float64 {
	return meters * 1000
}
