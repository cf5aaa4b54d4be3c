package config

import (
	"fmt"
)

type TopicStruct struct{}

func NewTopicStruct() *TopicStruct {
	return &TopicStruct{}
}

// ExamConnection returns the topic carrying connection-status messages for an exam
func (t *TopicStruct) ExamConnection(examID int64) string {
	return fmt.Sprintf("exam/%d/connection", examID)
}

// ExamTimer returns the topic carrying timer-sync messages for an exam
func (t *TopicStruct) ExamTimer(examID int64) string {
	return fmt.Sprintf("exam/%d/timer", examID)
}

// ExamProgress returns the topic carrying student-progress messages for an exam
func (t *TopicStruct) ExamProgress(examID int64) string {
	return fmt.Sprintf("exam/%d/progress", examID)
}

// UserAlerts returns the topic carrying alerts addressed to a single user
func (t *TopicStruct) UserAlerts(userID int64) string {
	return fmt.Sprintf("user/%d/alerts", userID)
}

// System returns the topic carrying system-wide announcements
func (t *TopicStruct) System() string {
	return "system"
}

var Topic = NewTopicStruct()
