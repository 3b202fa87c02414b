package metrics

import "strings"

const prefix = "crmkit_"

// MetricName prefixes name with the service namespace unless already present.
func MetricName(name string) string {
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// MetricNameWithSubsystem builds <prefix><subsystem>_<name>.
func MetricNameWithSubsystem(subsystem, name string) string {
	if strings.HasPrefix(name, prefix) {
		return name
	}
	sub := strings.Trim(subsystem, "_")
	switch {
	case sub == "":
		return MetricName(name)
	case name == "":
		return prefix + sub
	default:
		return prefix + sub + "_" + name
	}
}
