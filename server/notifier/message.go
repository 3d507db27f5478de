package notifier

import (
	"fmt"
	"strings"

	"github.com/vitaltag/vitaltag/server/trust"
)

// trustQualifier phrases the alert differently depending on how well the
// accessor's credential was corroborated - an unverified access reads as a
// warning, a verified one as reassurance.
func trustQualifier(trustLevel string) string {
	switch trustLevel {
	case trust.TRUST_VERIFIED:
		return "The accessor's professional license was verified against the registry."
	case trust.TRUST_HIGH:
		return "The accessor's professional license was found in the registry."
	case trust.TRUST_MEDIUM:
		return "The accessor supplied a license that could not be confirmed in the registry."
	case trust.TRUST_LOW:
		return "WARNING: the accessor supplied an invalid license number."
	default:
		return "WARNING: the accessor's identity could NOT be verified. Consider calling your loved one or emergency services to confirm."
	}
}

func messageBody(alert Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "VitalTag alert: %v's medical record was just accessed", alert.PatientName)
	if alert.Location != "" {
		fmt.Fprintf(&b, " near %v", alert.Location)
	}
	fmt.Fprintf(&b, ".\n")

	fmt.Fprintf(&b, "Accessed by: %v (%v)\n", alert.AccessorName, alert.AccessorRole)
	fmt.Fprintf(&b, "%v\n", trustQualifier(alert.TrustLevel))

	if alert.NearestHospital != "" {
		fmt.Fprintf(&b, "Nearest hospital: %v\n", alert.NearestHospital)
	}

	if len(alert.Hospitals) > 0 {
		fmt.Fprintf(&b, "Hospitals nearby:\n")
		for _, hospital := range alert.Hospitals {
			fmt.Fprintf(&b, "- %v (%.1f km", hospital.Name, hospital.DistanceKm)
			if hospital.PhoneNumber != "" {
				fmt.Fprintf(&b, ", %v", hospital.PhoneNumber)
			}
			fmt.Fprintf(&b, ")\n")
		}
	}

	return b.String()
}

func emailContent(alert Alert) (subject, body string) {
	subject = fmt.Sprintf("VitalTag: emergency access to %v's medical record", alert.PatientName)

	var b strings.Builder
	fmt.Fprintf(&b, "Hi,\n\nyou're getting this message because you're one of %v's emergency contacts.\n\n",
		alert.PatientName)
	b.WriteString(messageBody(alert))
	fmt.Fprintf(&b, "\nThis access was recorded at %v (UTC).\n", alert.OccurredAt.Format("2006-01-02 15:04:05"))

	return subject, b.String()
}
