package models

// DetailLink is one hyperlink inside a run detail blob. Hrefs arrive
// relative to the CI engine root and are rewritten absolute before the blob
// is shipped to the remote resource.
type DetailLink struct {
	Href string `json:"href"`
}

// DetailLinks groups the self and log links of a run, stage or step.
type DetailLinks struct {
	Self *DetailLink `json:"self,omitempty"`
	Log  *DetailLink `json:"log,omitempty"`
}

// StepDetail is one executed step inside a stage.
type StepDetail struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Links  DetailLinks `json:"_links"`
}

// StageDetail is one pipeline stage with its steps.
type StageDetail struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status string       `json:"status"`
	Links  DetailLinks  `json:"_links"`
	Steps  []StepDetail `json:"stageFlowNodes,omitempty"`
}

// RunDetail is the rendered lifecycle detail of one run, serialized into the
// status-json annotation of the remote build resource.
type RunDetail struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	StartTime int64         `json:"startTimeMillis"`
	Duration  int64         `json:"durationMillis"`
	Links     DetailLinks   `json:"_links"`
	Stages    []StageDetail `json:"stages,omitempty"`
}
