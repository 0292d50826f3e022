package nats

import "fmt"

const (
	facesSubjectFormat     = "camera.%s.faces"
	anomaliesSubjectFormat = "camera.%s.anomalies"

	// Все камеры, для подписчиков.
	AllFacesSubject     = "camera.*.faces"
	AllAnomaliesSubject = "camera.*.anomalies"

	controlSubjectFormat = "monitor.cameras.%s"
)

func CameraFacesSubject(cameraID string) string {
	return fmt.Sprintf(facesSubjectFormat, cameraID)
}

func CameraAnomaliesSubject(cameraID string) string {
	return fmt.Sprintf(anomaliesSubjectFormat, cameraID)
}

// ControlSubject - канал запросов управления камерами, op: list, add,
// remove, start, stop, status.
func ControlSubject(op string) string {
	return fmt.Sprintf(controlSubjectFormat, op)
}
