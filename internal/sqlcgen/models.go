package sqlcgen

import "time"

type Event struct {
	ID              string
	DeviceID        string
	StartsAt        time.Time
	EndsAt          time.Time
	Metadata        map[string]string
	AgentProperties map[string]string
	LastModified    time.Time
	Deleted         bool
}

type Recording struct {
	EventID      string
	State        string
	LastModified time.Time
}

type CaptureAgent struct {
	Name          string
	State         string
	Url           string
	Capabilities  map[string]string
	Configuration map[string]string
	LastHeardFrom time.Time
}
