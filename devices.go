package screencapture

type Screen struct {
	ID   uint32 `json:"id"   yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type AudioDevice struct {
	ID   string `json:"id"   yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// DeviceList holds either the decoded devices or, if the recorder printed
// something that is not a JSON array, the raw text as is.
type DeviceList[T any] struct {
	Items []T
	Raw   string
}

func (l *DeviceList[T]) IsRaw() bool {
	return l.Items == nil
}
