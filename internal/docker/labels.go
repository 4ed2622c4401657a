package docker

// Labels applied to every container the orchestrator creates. The reconciler
// and the ownership sweeps select on these rather than on container names.
const (
	LabelApp          = "livelabs.app"
	LabelType         = "livelabs.type"
	LabelEnrollmentID = "livelabs.enrollment_id"

	AppName = "livelabs"

	TypeApp      = "app"
	TypeRunner   = "runner"
	TypeTerminal = "terminal"
)

// ManagedLabels builds the label set for a container of the given type
// belonging to an enrollment. An empty enrollment id omits that label
// (one-shot runner containers have no enrollment scope of their own).
func ManagedLabels(containerType, enrollmentID string) map[string]string {
	labels := map[string]string{
		LabelApp:  AppName,
		LabelType: containerType,
	}
	if enrollmentID != "" {
		labels[LabelEnrollmentID] = enrollmentID
	}
	return labels
}

// IsManaged reports whether a label set marks a container as one of ours.
func IsManaged(labels map[string]string) bool {
	return labels[LabelApp] == AppName
}

// EnrollmentID extracts the owning enrollment from a label set, or "".
func EnrollmentID(labels map[string]string) string {
	return labels[LabelEnrollmentID]
}

// ContainerType extracts the managed container type from a label set, or "".
func ContainerType(labels map[string]string) string {
	return labels[LabelType]
}
