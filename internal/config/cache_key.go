package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// EnrollmentMailboxKey returns the list key holding an enrollment's pending status events
func (r *CacheKeyStruct) EnrollmentMailboxKey(enrollmentID uuid.UUID) string {
	return fmt.Sprintf("enrollment:%s:mailbox", enrollmentID)
}

// ExpiryJobsKey returns the sorted set indexing armed expiry jobs by deadline
func (r *CacheKeyStruct) ExpiryJobsKey() string {
	return "expiry_jobs"
}

// CandidateTokenVersionKey returns the cache key for a candidate's current token version
func (r *CacheKeyStruct) CandidateTokenVersionKey(candidateID int) string {
	return fmt.Sprintf("candidate:%d:token_version", candidateID)
}

// SessionMonitorChannel returns the Redis PubSub channel name for a session monitor
func (r *CacheKeyStruct) SessionMonitorChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:monitor", sessionID)
}

var CacheKey = NewCacheKeyStruct()
