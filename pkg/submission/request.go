package submission

// Input is the caller-supplied part of a submission.
type Input struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type BatchRequest struct {
	Submissions []Input `json:"submissions"`
}
