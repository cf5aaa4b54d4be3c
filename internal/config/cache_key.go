package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentIdentityKey returns the cache key for a student's resolved name and email
func (r *CacheKeyStruct) StudentIdentityKey(studentID int64) string {
	return fmt.Sprintf("live:student:%d:identity", studentID)
}

var CacheKey = NewCacheKeyStruct()
