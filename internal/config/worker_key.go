package config

type WorkerKeyStruct struct {
	ArchiveExamQueue string
}

var WorkerKey = &WorkerKeyStruct{
	ArchiveExamQueue: "archive_exam_queue",
}
