package model

// Student is the identity of a student as resolved from the directory.
type Student struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ExamArchive is the final state of an exam handed to archival storage.
type ExamArchive struct {
	ExamID      int64              `json:"exam_id"`
	Timer       TimerTick          `json:"timer"`
	Connections []ConnectionRecord `json:"connections"`
	Progress    []ProgressRecord   `json:"progress"`
}
